// Package convert は外部変換ツール（LibreOffice、OCRmyPDF、ImageMagick、FFmpeg）の呼び出しを抽象化します。
package convert

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind は変換の種類を表します。値の集合は閉じています。
type Kind string

const (
	KindPDFToDOCX      Kind = "pdf-docx"
	KindDOCXToPDF      Kind = "docx-pdf"
	KindPDFToText      Kind = "pdf-txt"
	KindImageTranscode Kind = "image-transcode"
	KindImageCompress  Kind = "image-compress"
	KindVideoTranscode Kind = "video-transcode"
	KindVideoCompress  Kind = "video-compress"
)

// Class はワーカープールを分けるためのリソースクラスです。
type Class string

const (
	ClassDocument Class = "document"
	ClassImage    Class = "image"
	ClassVideo    Class = "video"
)

var kindClasses = map[Kind]Class{
	KindPDFToDOCX:      ClassDocument,
	KindDOCXToPDF:      ClassDocument,
	KindPDFToText:      ClassDocument,
	KindImageTranscode: ClassImage,
	KindImageCompress:  ClassImage,
	KindVideoTranscode: ClassVideo,
	KindVideoCompress:  ClassVideo,
}

// Class は変換種別のリソースクラスを返します。
func (k Kind) Class() Class {
	return kindClasses[k]
}

// Valid は既知の変換種別かどうかを返します。
func (k Kind) Valid() bool {
	_, ok := kindClasses[k]
	return ok
}

// Kinds は全ての変換種別を返します。
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindClasses))
	for k := range kindClasses {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Classes は全てのリソースクラスを返します。
func Classes() []Class {
	return []Class{ClassDocument, ClassImage, ClassVideo}
}

// Level は圧縮レベルです。high が最も小さいファイルを生成します。
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// imageQuality は ImageMagick の -quality 値です。
var imageQuality = map[Level]int{
	LevelHigh:   30,
	LevelMedium: 60,
	LevelLow:    85,
}

// videoBitrate は FFmpeg の -b:v 値です。
var videoBitrate = map[Level]string{
	LevelHigh:   "500k",
	LevelMedium: "1000k",
	LevelLow:    "2000k",
}

// Options は変換パラメータです。
type Options struct {
	TargetFormat string   `json:"targetFormat,omitempty"`
	Level        Level    `json:"level,omitempty"`
	Languages    []string `json:"languages,omitempty"`
}

// ValidationError は変換要求の検証エラーです。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var (
	documentInputs = formatSet("docx", "doc", "odt", "rtf")
	imageInputs    = formatSet("png", "jpg", "webp", "gif", "bmp", "tiff")
	imageTargets   = formatSet("png", "jpg", "webp", "gif", "bmp", "tiff")
	compressImages = formatSet("png", "jpg", "webp")
	videoInputs    = formatSet("mp4", "mkv", "avi", "mov", "webm")
	videoTargets   = formatSet("mp4", "mkv", "avi", "mov", "webm")

	languagePattern = regexp.MustCompile(`^[a-z]{3}(_[a-z]+)?$`)
)

func formatSet(formats ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		set[f] = struct{}{}
	}
	return set
}

func hasFormat(set map[string]struct{}, format string) bool {
	_, ok := set[format]
	return ok
}

// NormalizeFormat は拡張子表記の揺れを吸収します。
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	switch format {
	case "jpeg", "jpe":
		return "jpg"
	case "tif":
		return "tiff"
	}
	return format
}

// Normalize は変換種別・オプション・入力形式の組み合わせを検証し、既定値を補った Options を返します。
// inputFormat が空の場合は入力形式の検証を省略します。
func Normalize(kind Kind, opts Options, inputFormat string) (Options, error) {
	if !kind.Valid() {
		return Options{}, invalid("kind", "unknown conversion kind %q", kind)
	}
	input := NormalizeFormat(inputFormat)
	out := Options{
		TargetFormat: NormalizeFormat(opts.TargetFormat),
		Level:        Level(strings.ToLower(strings.TrimSpace(string(opts.Level)))),
	}

	if len(opts.Languages) > 0 && kind != KindPDFToDOCX && kind != KindPDFToText {
		return Options{}, invalid("languages", "languages are only valid for OCR conversions")
	}
	if out.Level != "" && kind != KindImageCompress && kind != KindVideoCompress {
		return Options{}, invalid("level", "level is only valid for compression")
	}

	switch kind {
	case KindPDFToDOCX, KindPDFToText:
		if input != "" && input != "pdf" {
			return Options{}, invalid("input", "%s requires a PDF input (got %s)", kind, input)
		}
		target := "docx"
		if kind == KindPDFToText {
			target = "txt"
		}
		if out.TargetFormat != "" && out.TargetFormat != target {
			return Options{}, invalid("targetFormat", "%s always produces %s", kind, target)
		}
		out.TargetFormat = target
		langs, err := normalizeLanguages(opts.Languages)
		if err != nil {
			return Options{}, err
		}
		out.Languages = langs

	case KindDOCXToPDF:
		if input != "" && !hasFormat(documentInputs, input) {
			return Options{}, invalid("input", "%s requires a word-processing input (got %s)", kind, input)
		}
		if out.TargetFormat != "" && out.TargetFormat != "pdf" {
			return Options{}, invalid("targetFormat", "%s always produces pdf", kind)
		}
		out.TargetFormat = "pdf"

	case KindImageTranscode:
		if input != "" && !hasFormat(imageInputs, input) {
			return Options{}, invalid("input", "unsupported image format %s", input)
		}
		if out.TargetFormat == "" {
			return Options{}, invalid("targetFormat", "target format is required")
		}
		if !hasFormat(imageTargets, out.TargetFormat) {
			return Options{}, invalid("targetFormat", "unsupported image target %s", out.TargetFormat)
		}

	case KindVideoTranscode:
		if input != "" && !hasFormat(videoInputs, input) {
			return Options{}, invalid("input", "unsupported video format %s", input)
		}
		if out.TargetFormat == "" {
			return Options{}, invalid("targetFormat", "target format is required")
		}
		if !hasFormat(videoTargets, out.TargetFormat) {
			return Options{}, invalid("targetFormat", "unsupported video target %s", out.TargetFormat)
		}

	case KindImageCompress, KindVideoCompress:
		inputs := compressImages
		if kind == KindVideoCompress {
			inputs = videoInputs
		}
		if input != "" && !hasFormat(inputs, input) {
			return Options{}, invalid("input", "%s does not support %s input", kind, input)
		}
		if out.TargetFormat != "" && input != "" && out.TargetFormat != input {
			return Options{}, invalid("targetFormat", "compression keeps the input format")
		}
		if out.TargetFormat == "" {
			out.TargetFormat = input
		}
		if out.Level == "" {
			out.Level = LevelMedium
		}
		if _, ok := imageQuality[out.Level]; !ok {
			return Options{}, invalid("level", "invalid compression level %q", out.Level)
		}
	}

	return out, nil
}

func normalizeLanguages(langs []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{}, len(langs))
	for _, raw := range langs {
		for _, lang := range strings.Split(raw, "+") {
			lang = strings.ToLower(strings.TrimSpace(lang))
			if lang == "" {
				continue
			}
			if !languagePattern.MatchString(lang) {
				return nil, invalid("languages", "invalid OCR language %q", lang)
			}
			if _, dup := seen[lang]; dup {
				continue
			}
			seen[lang] = struct{}{}
			out = append(out, lang)
		}
	}
	return out, nil
}
