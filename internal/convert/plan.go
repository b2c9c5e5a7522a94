package convert

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Tools は外部ツールの実行ファイルパスです。
type Tools struct {
	Soffice  string
	OCRmyPDF string
	Magick   string
	FFmpeg   string
}

// step は1回の外部コマンド呼び出しです。
type step struct {
	stage string
	tool  string
	args  []string
}

// plan は変換1回分のコマンド列と、成功時に生成されるファイルのパスです。
type plan struct {
	steps  []step
	output string
}

// buildPlan は変換種別ごとのコマンド列を組み立てます。全ての生成物は scratch 配下に置かれます。
func buildPlan(tools Tools, kind Kind, inputPath, scratch string, opts Options) (plan, error) {
	target := opts.TargetFormat
	if target == "" {
		target = NormalizeFormat(filepath.Ext(inputPath))
	}
	if target == "" {
		return plan{}, &Error{Code: CodeUnsupportedFormat, Message: messageFor(CodeUnsupportedFormat, "")}
	}

	switch kind {
	case KindPDFToDOCX:
		var steps []step
		src := inputPath
		if len(opts.Languages) > 0 {
			ocrOut := filepath.Join(scratch, "ocr.pdf")
			steps = append(steps, step{
				stage: "ocr",
				tool:  tools.OCRmyPDF,
				args:  buildOCRArgs(opts.Languages, src, ocrOut, ""),
			})
			src = ocrOut
		}
		outDir := filepath.Join(scratch, "out")
		steps = append(steps, step{
			stage: "converting",
			tool:  tools.Soffice,
			args:  buildSofficeArgs(filepath.Join(scratch, "profile"), "docx:MS Word 2007 XML", outDir, src, "writer_pdf_import"),
		})
		return plan{steps: steps, output: sofficeOutput(outDir, src, "docx")}, nil

	case KindDOCXToPDF:
		outDir := filepath.Join(scratch, "out")
		return plan{
			steps: []step{{
				stage: "converting",
				tool:  tools.Soffice,
				args:  buildSofficeArgs(filepath.Join(scratch, "profile"), "pdf", outDir, inputPath, ""),
			}},
			output: sofficeOutput(outDir, inputPath, "pdf"),
		}, nil

	case KindPDFToText:
		sidecar := filepath.Join(scratch, "out.txt")
		return plan{
			steps: []step{{
				stage: "ocr",
				tool:  tools.OCRmyPDF,
				args:  buildOCRArgs(opts.Languages, inputPath, filepath.Join(scratch, "ocr.pdf"), sidecar),
			}},
			output: sidecar,
		}, nil

	case KindImageTranscode:
		out := filepath.Join(scratch, "out."+target)
		return plan{
			steps:  []step{{stage: "converting", tool: tools.Magick, args: buildImageTranscodeArgs(inputPath, out, target)}},
			output: out,
		}, nil

	case KindImageCompress:
		quality, ok := imageQuality[opts.Level]
		if !ok {
			return plan{}, invalid("level", "invalid compression level %q", opts.Level)
		}
		out := filepath.Join(scratch, "out."+target)
		return plan{
			steps:  []step{{stage: "compressing", tool: tools.Magick, args: buildImageCompressArgs(inputPath, out, quality)}},
			output: out,
		}, nil

	case KindVideoTranscode:
		out := filepath.Join(scratch, "out."+target)
		return plan{
			steps:  []step{{stage: "converting", tool: tools.FFmpeg, args: buildVideoTranscodeArgs(inputPath, out, target)}},
			output: out,
		}, nil

	case KindVideoCompress:
		bitrate, ok := videoBitrate[opts.Level]
		if !ok {
			return plan{}, invalid("level", "invalid compression level %q", opts.Level)
		}
		out := filepath.Join(scratch, "out."+target)
		return plan{
			steps:  []step{{stage: "compressing", tool: tools.FFmpeg, args: buildVideoCompressArgs(inputPath, out, bitrate)}},
			output: out,
		}, nil
	}

	return plan{}, invalid("kind", "unknown conversion kind %q", kind)
}

// buildSofficeArgs は LibreOffice のヘッドレス変換引数を組み立てます。
// プロファイルを呼び出しごとに分けることで、同時実行時のロック競合を避けます。
func buildSofficeArgs(profileDir, convertTo, outDir, inputPath, infilter string) []string {
	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--headless",
		"--norestore",
		"--nolockcheck",
	}
	if infilter != "" {
		args = append(args, "--infilter="+infilter)
	}
	return append(args,
		"--convert-to", convertTo,
		"--outdir", outDir,
		inputPath,
	)
}

// sofficeOutput は LibreOffice が生成するファイルのパスです（入力ファイル名の拡張子を差し替えたもの）。
func sofficeOutput(outDir, inputPath, ext string) string {
	base := filepath.Base(inputPath)
	return filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+"."+ext)
}

// buildOCRArgs は OCRmyPDF の引数を組み立てます。sidecar が空でなければテキストも出力します。
func buildOCRArgs(languages []string, inputPath, outputPath, sidecar string) []string {
	args := []string{"--force-ocr"}
	if len(languages) > 0 {
		args = append(args, "-l", strings.Join(languages, "+"))
	}
	if sidecar != "" {
		args = append(args, "--sidecar", sidecar)
	}
	return append(args, inputPath, outputPath)
}

// buildImageTranscodeArgs は ImageMagick の形式変換引数を組み立てます。
// JPEG は透過を扱えないため白背景で平坦化します。
func buildImageTranscodeArgs(inputPath, outputPath, target string) []string {
	args := []string{inputPath, "-auto-orient"}
	if target == "jpg" {
		args = append(args, "-background", "white", "-alpha", "remove", "-alpha", "off")
	}
	return append(args, outputPath)
}

// buildImageCompressArgs は ImageMagick の圧縮引数を組み立てます。
func buildImageCompressArgs(inputPath, outputPath string, quality int) []string {
	return []string{
		inputPath,
		"-auto-orient",
		"-strip",
		"-quality", strconv.Itoa(quality),
		outputPath,
	}
}

// buildVideoTranscodeArgs は FFmpeg のコンテナ/コーデック変換引数を組み立てます。
func buildVideoTranscodeArgs(inputPath, outputPath, target string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", inputPath}
	switch target {
	case "webm":
		args = append(args, "-c:v", "libvpx-vp9", "-c:a", "libopus")
	case "mp4", "mov":
		args = append(args, "-c:v", "libx264", "-c:a", "aac", "-movflags", "+faststart")
	default:
		args = append(args, "-c:v", "libx264", "-c:a", "aac")
	}
	return append(args, outputPath)
}

// buildVideoCompressArgs は FFmpeg のビットレート指定圧縮引数を組み立てます。
func buildVideoCompressArgs(inputPath, outputPath, bitrate string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-b:v", bitrate,
		outputPath,
	}
}

// outputName は利用者に返すファイル名を決めます。
func outputName(inputPath, ext string) string {
	base := filepath.Base(inputPath)
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "output"
	}
	return fmt.Sprintf("%s.%s", name, ext)
}
