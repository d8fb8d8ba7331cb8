// Package advisor suggests a name, type and safety rating for a download url.
// Results are advisory only and never block a download.
package advisor

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FileType is the coarse category of a download
type FileType string

const (
	TypeVideo    FileType = "VIDEO"
	TypeAudio    FileType = "AUDIO"
	TypeImage    FileType = "IMAGE"
	TypeDocument FileType = "DOCUMENT"
	TypeArchive  FileType = "ARCHIVE"
	TypeSoftware FileType = "SOFTWARE"
	TypeOther    FileType = "OTHER"
)

const (
	// NeutralSafetyScore is reported when nothing is known about the resource
	NeutralSafetyScore = 50
	defaultName        = "resource_stream"
	maxNameLength      = 32
)

// Analysis is the advisory result for one url
type Analysis struct {
	SuggestedName  string   `json:"suggestedName"`
	FileType       FileType `json:"fileType"`
	Description    string   `json:"description"`
	Tags           []string `json:"tags"`
	SafetyScore    int      `json:"safetyScore"`
	SecurityReport string   `json:"securityReport"`
}

var extensionTypes = map[string]FileType{
	".mp4": TypeVideo, ".mkv": TypeVideo, ".avi": TypeVideo, ".mov": TypeVideo, ".webm": TypeVideo,
	".mp3": TypeAudio, ".flac": TypeAudio, ".wav": TypeAudio, ".ogg": TypeAudio, ".m4a": TypeAudio,
	".jpg": TypeImage, ".jpeg": TypeImage, ".png": TypeImage, ".gif": TypeImage, ".webp": TypeImage, ".svg": TypeImage,
	".pdf": TypeDocument, ".doc": TypeDocument, ".docx": TypeDocument, ".txt": TypeDocument, ".epub": TypeDocument,
	".zip": TypeArchive, ".tar": TypeArchive, ".gz": TypeArchive, ".tgz": TypeArchive, ".7z": TypeArchive, ".rar": TypeArchive, ".xz": TypeArchive,
	".exe": TypeSoftware, ".msi": TypeSoftware, ".dmg": TypeSoftware, ".deb": TypeSoftware, ".rpm": TypeSoftware, ".apk": TypeSoftware, ".iso": TypeSoftware,
}

// Heuristic derives an analysis from the url alone. It never fails.
func Heuristic(rawURL string) Analysis {
	name := nameFromURL(rawURL)
	return Analysis{
		SuggestedName:  name,
		FileType:       typeFromName(name),
		Description:    "Resource detected from its url",
		Tags:           []string{"detected"},
		SafetyScore:    NeutralSafetyScore,
		SecurityReport: "No remote analysis available",
	}
}

func nameFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	name := path.Base(strings.TrimRight(p, "/"))
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return defaultName
	}
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}
	return name
}

func typeFromName(name string) FileType {
	if t, ok := extensionTypes[strings.ToLower(path.Ext(name))]; ok {
		return t
	}
	return TypeOther
}

// Analyzer is a remote analysis backend
type Analyzer interface {
	Analyze(ctx context.Context, rawURL string) (Analysis, error)
}

// Service calls a remote analyzer and falls back to the heuristic on any
// failure, so callers always get an answer within the timeout.
type Service struct {
	remote  Analyzer
	timeout time.Duration
	logger  *zap.Logger
}

// NewService creates a service. A nil remote means heuristic only.
func NewService(remote Analyzer, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		remote:  remote,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "advisor")),
	}
}

// Analyze returns the remote analysis, or the heuristic one if that fails
func (s *Service) Analyze(ctx context.Context, rawURL string) Analysis {
	if s.remote == nil {
		return Heuristic(rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.remote.Analyze(ctx, rawURL)
	if err != nil {
		s.logger.Warn("Analysis skipped, using heuristic", zap.String("url", rawURL), zap.Error(err))
		return Heuristic(rawURL)
	}
	return normalize(result, rawURL)
}

func normalize(a Analysis, rawURL string) Analysis {
	fallback := Heuristic(rawURL)
	a.SuggestedName = strings.TrimSpace(path.Base(a.SuggestedName))
	if a.SuggestedName == "" || a.SuggestedName == "." || a.SuggestedName == "/" {
		a.SuggestedName = fallback.SuggestedName
	}
	switch a.FileType {
	case TypeVideo, TypeAudio, TypeImage, TypeDocument, TypeArchive, TypeSoftware, TypeOther:
	default:
		a.FileType = typeFromName(a.SuggestedName)
	}
	if a.SafetyScore < 0 {
		a.SafetyScore = 0
	}
	if a.SafetyScore > 100 {
		a.SafetyScore = 100
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a
}
