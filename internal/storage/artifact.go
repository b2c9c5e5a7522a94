package storage

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Role は成果物の役割を表します。
type Role string

const (
	RoleInput        Role = "input"
	RoleOutput       Role = "output"
	RoleIntermediate Role = "intermediate"
)

// Family はコンテンツの大分類です。
type Family string

const (
	FamilyDocument Family = "document"
	FamilyImage    Family = "image"
	FamilyVideo    Family = "video"
	FamilyOther    Family = "other"
)

// ContentKind は成果物の内容種別です。
type ContentKind struct {
	Family Family `json:"family"`
	Format string `json:"format"`
	MIME   string `json:"mime"`
}

// Artifact はセッションに属する1つのファイルを表します。
type Artifact struct {
	ID        string      `json:"id"`
	SessionID string      `json:"-"`
	Role      Role        `json:"role"`
	Kind      ContentKind `json:"kind"`
	Location  string      `json:"-"`
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	Pages     int         `json:"pages,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

var formatFamilies = map[string]Family{
	"pdf":  FamilyDocument,
	"docx": FamilyDocument,
	"doc":  FamilyDocument,
	"odt":  FamilyDocument,
	"rtf":  FamilyDocument,
	"txt":  FamilyDocument,
	"png":  FamilyImage,
	"jpg":  FamilyImage,
	"webp": FamilyImage,
	"gif":  FamilyImage,
	"bmp":  FamilyImage,
	"tiff": FamilyImage,
	"mp4":  FamilyVideo,
	"mkv":  FamilyVideo,
	"avi":  FamilyVideo,
	"mov":  FamilyVideo,
	"webm": FamilyVideo,
}

// NormalizeFormat は拡張子表記の揺れを吸収します。
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	switch format {
	case "jpeg", "jpe":
		return "jpg"
	case "tif":
		return "tiff"
	case "qt":
		return "mov"
	}
	return format
}

// FamilyOf は形式から大分類を返します。
func FamilyOf(format string) Family {
	if family, ok := formatFamilies[NormalizeFormat(format)]; ok {
		return family
	}
	return FamilyOther
}

// DetectKind はファイル内容から種別を判定します。
// 内容が既知の形式でない場合（zip、octet-stream等）はファイル名の拡張子を使います。
func DetectKind(path, name string) ContentKind {
	kind := ContentKind{MIME: "application/octet-stream"}
	if mtype, err := mimetype.DetectFile(path); err == nil && mtype != nil {
		kind.MIME = mtype.String()
		kind.Format = NormalizeFormat(mtype.Extension())
	}
	if _, known := formatFamilies[kind.Format]; !known {
		if ext := NormalizeFormat(filepath.Ext(name)); formatFamilies[ext] != "" {
			kind.Format = ext
		}
	}
	kind.Family = FamilyOf(kind.Format)
	return kind
}

func countPDFPages(path string) int {
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0
	}
	return pages
}
