package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"downloadgrid/api"
	"downloadgrid/downloader"
)

var (
	serverURL  string
	addName    string
	addDir     string
	addThreads int
	rmPurge    bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks on a running server",
}

var tasksListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := api.NewClient(serverURL, nil).List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tSIZE\tSPEED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\t%s/s\n",
				t.ID, t.Name, t.Status, t.Progress, humanBytes(t.Size), humanBytes(int64(t.Speed)))
		}
		return w.Flush()
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Queue a download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := api.NewClient(serverURL, nil).Submit(cmd.Context(), downloader.Request{
			URL:        args[0],
			Name:       addName,
			SavePath:   addDir,
			MaxThreads: addThreads,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as %s\n", task.Name, task.ID)
		return nil
	},
}

var tasksPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := api.NewClient(serverURL, nil).Pause(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", snap.ID, snap.Status)
		return nil
	},
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused or failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := api.NewClient(serverURL, nil).Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", snap.ID, snap.Status)
		return nil
	},
}

var tasksRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.NewClient(serverURL, nil).Delete(cmd.Context(), args[0], rmPurge); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	tasksCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Server base URL")

	tasksAddCmd.Flags().StringVarP(&addName, "output", "o", "", "Output file name")
	tasksAddCmd.Flags().StringVarP(&addDir, "dir", "d", "", "Directory to save into")
	tasksAddCmd.Flags().IntVarP(&addThreads, "threads", "t", 0, "Connections for this download")
	tasksRemoveCmd.Flags().BoolVar(&rmPurge, "purge", false, "Also delete the downloaded file")

	tasksCmd.AddCommand(tasksListCmd, tasksAddCmd, tasksPauseCmd, tasksResumeCmd, tasksRemoveCmd)
	rootCmd.AddCommand(tasksCmd)
}
