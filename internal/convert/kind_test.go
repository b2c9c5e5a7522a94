package convert

import (
	"errors"
	"reflect"
	"testing"
)

func TestKindClass(t *testing.T) {
	cases := map[Kind]Class{
		KindPDFToDOCX:      ClassDocument,
		KindPDFToText:      ClassDocument,
		KindImageCompress:  ClassImage,
		KindVideoTranscode: ClassVideo,
	}
	for kind, want := range cases {
		if got := kind.Class(); got != want {
			t.Fatalf("%s.Class() = %s, want %s", kind, got, want)
		}
	}
	if Kind("pdf-xlsx").Valid() {
		t.Fatal("unknown kind reported as valid")
	}
	if len(Kinds()) != 7 {
		t.Fatalf("unexpected kind count: %d", len(Kinds()))
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	opts, err := Normalize(KindImageCompress, Options{}, "jpeg")
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if opts.Level != LevelMedium || opts.TargetFormat != "jpg" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = Normalize(KindPDFToDOCX, Options{Languages: []string{"eng+ara", "ENG"}}, "pdf")
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if opts.TargetFormat != "docx" || !reflect.DeepEqual(opts.Languages, []string{"eng", "ara"}) {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = Normalize(KindVideoTranscode, Options{TargetFormat: ".MP4"}, "mkv")
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if opts.TargetFormat != "mp4" {
		t.Fatalf("unexpected target: %s", opts.TargetFormat)
	}
}

func TestNormalizeRejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name  string
		kind  Kind
		opts  Options
		input string
		field string
	}{
		{"unknown kind", Kind("pdf-xlsx"), Options{}, "pdf", "kind"},
		{"docx from image", KindPDFToDOCX, Options{}, "png", "input"},
		{"missing image target", KindImageTranscode, Options{}, "png", "targetFormat"},
		{"unsupported image target", KindImageTranscode, Options{TargetFormat: "svg"}, "png", "targetFormat"},
		{"video from pdf", KindVideoCompress, Options{}, "pdf", "input"},
		{"bad level", KindVideoCompress, Options{Level: "extreme"}, "mp4", "level"},
		{"level on transcode", KindImageTranscode, Options{TargetFormat: "png", Level: LevelHigh}, "jpg", "level"},
		{"languages on image", KindImageCompress, Options{Languages: []string{"eng"}}, "png", "languages"},
		{"bad language", KindPDFToText, Options{Languages: []string{"../etc"}}, "pdf", "languages"},
		{"compress changes format", KindImageCompress, Options{TargetFormat: "png"}, "jpg", "targetFormat"},
		{"docx-pdf wrong target", KindDOCXToPDF, Options{TargetFormat: "txt"}, "docx", "targetFormat"},
	}
	for _, tc := range cases {
		_, err := Normalize(tc.kind, tc.opts, tc.input)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if verr.Field != tc.field {
			t.Fatalf("%s: field = %s, want %s", tc.name, verr.Field, tc.field)
		}
	}
}
