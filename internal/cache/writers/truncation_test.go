package writers

import (
	"net/http"
	"testing"
)

func truncationCoordinator(bodySize int, resp func(h http.Header)) *Coordinator {
	entry := &fakeEntry{body: make([]byte, bodySize)}
	w := newTestCoordinator(&fakeOwner{}, entry)
	header := http.Header{"Etag": {`"v1"`}}
	if resp != nil {
		resp(header)
	}
	w.snapshot = resumableResponse(4000)
	w.snapshot.Header = header
	return w
}

func TestShouldTruncate(t *testing.T) {
	cases := []struct {
		name         string
		mutate       func(w *Coordinator)
		wantTruncate bool
		wantKeep     bool
	}{
		{
			name:         "resumable partial body",
			mutate:       func(w *Coordinator) {},
			wantTruncate: true,
			wantKeep:     true,
		},
		{
			name:         "entry already condemned",
			mutate:       func(w *Coordinator) { w.shouldKeepEntry = false },
			wantTruncate: false,
			wantKeep:     false,
		},
		{
			name:         "range writer never truncates",
			mutate:       func(w *Coordinator) { w.partialNoTruncate = true },
			wantTruncate: false,
			wantKeep:     true,
		},
		{
			name:         "unknown content length",
			mutate:       func(w *Coordinator) { w.snapshot.ContentLength = -1 },
			wantTruncate: false,
			wantKeep:     false,
		},
		{
			name: "ranges refused by origin",
			mutate: func(w *Coordinator) {
				w.snapshot.Header.Set("Accept-Ranges", "none")
			},
			wantTruncate: false,
			wantKeep:     false,
		},
		{
			name: "weak validator only",
			mutate: func(w *Coordinator) {
				w.snapshot.Header.Set("Etag", `W/"v1"`)
			},
			wantTruncate: false,
			wantKeep:     false,
		},
		{
			name: "encoded body cannot resume",
			mutate: func(w *Coordinator) {
				w.snapshot.Header.Set("Content-Encoding", "gzip")
			},
			wantTruncate: false,
			wantKeep:     false,
		},
		{
			name: "body already complete",
			mutate: func(w *Coordinator) {
				w.snapshot.ContentLength = 1000
			},
			wantTruncate: false,
			wantKeep:     true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := truncationCoordinator(1000, nil)
			tc.mutate(w)
			w.mu.Lock()
			got := w.shouldTruncateLocked()
			keep := w.shouldKeepEntry
			w.mu.Unlock()
			if got != tc.wantTruncate {
				t.Fatalf("shouldTruncate = %v, want %v", got, tc.wantTruncate)
			}
			if keep != tc.wantKeep {
				t.Fatalf("shouldKeepEntry = %v, want %v", keep, tc.wantKeep)
			}
		})
	}
}

func TestShouldTruncateEmptyBody(t *testing.T) {
	w := truncationCoordinator(0, nil)
	w.mu.Lock()
	got := w.shouldTruncateLocked()
	keep := w.shouldKeepEntry
	w.mu.Unlock()
	if got || keep {
		t.Fatalf("empty body: truncate=%v keep=%v, want neither", got, keep)
	}
}
