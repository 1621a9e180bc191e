package pipeline

import (
	"errors"
	"testing"
)

func TestDecodeMarkerJob(t *testing.T) {
	payload, err := EncodeJob(MarkerJob{
		UploadID:    "u1",
		SheetID:     "s1",
		SheetNumber: 2,
		SheetKey:    "sheets/2/page.pdf",
		TotalSheets: 3,
		ValidSheets: []string{"A5", "S12"},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	job, err := DecodeMarkerJob(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if job.SheetNumber != 2 || len(job.ValidSheets) != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestDecodeRejectsCorruptPayloads(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{}`),
		[]byte(`{"uploadId":"u1","sheetNumber":0}`),
	}
	for _, data := range cases {
		if _, err := DecodeMetadataJob(data); !errors.Is(err, ErrCorruptPayload) {
			t.Errorf("DecodeMetadataJob(%q) = %v, want ErrCorruptPayload", data, err)
		}
		if _, err := DecodeTileJob(data); !errors.Is(err, ErrCorruptPayload) {
			t.Errorf("DecodeTileJob(%q) = %v, want ErrCorruptPayload", data, err)
		}
		if _, err := DecodeMarkerJob(data); !errors.Is(err, ErrCorruptPayload) {
			t.Errorf("DecodeMarkerJob(%q) = %v, want ErrCorruptPayload", data, err)
		}
	}
}

func TestKeyScheme(t *testing.T) {
	if got, want := OriginalKey("o1", "p1", "pl1"), "organizations/o1/projects/p1/plans/pl1/original.pdf"; got != want {
		t.Fatalf("OriginalKey = %q, want %q", got, want)
	}
	prefix := SheetPrefix("o1", "p1", "pl1", 3)
	if got, want := PageKey("o1", "p1", "pl1", 3), prefix+"/page.pdf"; got != want {
		t.Fatalf("PageKey = %q, want %q", got, want)
	}
	if got, want := ManifestKey(prefix), prefix+"/sheet.dzi"; got != want {
		t.Fatalf("ManifestKey = %q, want %q", got, want)
	}
	if got, want := TileKey(prefix, 12, 4, 7), prefix+"/tiles/12/4_7.jpg"; got != want {
		t.Fatalf("TileKey = %q, want %q", got, want)
	}
}
