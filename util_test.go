package armornum

import "testing"

func TestLibraryPath(t *testing.T) {
	cases := map[[2]string]string{
		{"windows", "amd64"}: "./lib/onnxruntime.dll",
		{"linux", "arm64"}:   "./lib/onnxruntime_arm64.so",
		{"darwin", "arm64"}:  "./lib/onnxruntime_arm64.dylib",
		{"plan9", "386"}:     "./lib/onnxruntime_amd64.so",
	}
	for in, want := range cases {
		if got := libraryPath(in[0], in[1]); got != want {
			t.Errorf("%v: got %s want %s", in, got, want)
		}
	}
}

func TestLibraryPathEnv(t *testing.T) {
	t.Setenv(LibraryPathEnv, "/opt/ort/libonnxruntime.so")
	if got := DefaultLibraryPath(); got != "/opt/ort/libonnxruntime.so" {
		t.Fatalf("got %s", got)
	}
}
