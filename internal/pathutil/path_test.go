package pathutil

import "testing"

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("VOICE_DIR", "/srv/voice")

	got, err := ExpandUserAndEnv("~/models")
	if err != nil {
		t.Fatalf("expand home: %v", err)
	}
	if got != home+"/models" {
		t.Fatalf("expected %s/models, got %q", home, got)
	}

	got, err = ExpandUserAndEnv("$VOICE_DIR/hello.wav")
	if err != nil {
		t.Fatalf("expand env: %v", err)
	}
	if got != "/srv/voice/hello.wav" {
		t.Fatalf("expected /srv/voice/hello.wav, got %q", got)
	}

	got, err = ExpandUserAndEnv("  ")
	if err != nil || got != "" {
		t.Fatalf("expected empty expansion, got %q err %v", got, err)
	}
}
