package detector

import (
	"testing"

	"github.com/loykin/spawnd/internal/pidfile"
	"github.com/spf13/afero"
)

// FuzzPIDFileDetectorContent ensures PIDFileDetector.Alive does not panic
// on arbitrary file contents.
func FuzzPIDFileDetectorContent(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n"))
	f.Add([]byte("-1"))

	f.Fuzz(func(t *testing.T, data []byte) {
		mfs := afero.NewMemMapFs()
		store := pidfile.NewWithFs(mfs, "run")
		_ = afero.WriteFile(mfs, store.Path("fuzz", 1), data, 0o600)
		_, _ = PIDFileDetector{Store: store, Task: "fuzz", Slot: 1}.Alive()
	})
}
