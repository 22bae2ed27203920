package config

import (
	"encoding/base64"
	"testing"
)

func TestSecretBoxRoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	box, err := NewSecretBox(key)
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	var nonce [24]byte
	copy(nonce[:], "nonce-nonce-nonce-nonce!")

	sealed, err := box.Encrypt("api-key-123", nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := box.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "api-key-123" {
		t.Fatalf("expected api-key-123, got %q", got)
	}
}

func TestSecretBoxRejectsTamperedAndPassesPlain(t *testing.T) {
	box := &SecretBox{}
	if got, err := box.Decrypt("plain:dev-key"); err != nil || got != "dev-key" {
		t.Fatalf("plain secret: got %q err %v", got, err)
	}
	if _, err := box.Decrypt("Zm9v"); err != ErrSecretUndecryptable {
		t.Fatalf("expected ErrSecretUndecryptable without key, got %v", err)
	}
	if _, err := box.Decrypt(""); err != ErrSecretUndecryptable {
		t.Fatalf("expected ErrSecretUndecryptable for empty secret, got %v", err)
	}
}

func TestWorkerSettingsDefaultsAndOverrides(t *testing.T) {
	t.Setenv("PFA_WRITEBACK_MAX_RETRIES", "")
	t.Setenv("PFA_WRITEBACK_BASE_BACKOFF_SECONDS", "7")
	cfg := WorkerSettings()
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.BaseBackoff.Seconds() != 7 {
		t.Fatalf("expected BaseBackoff 7s, got %s", cfg.BaseBackoff)
	}
	if cfg.BatchSize != 100 || cfg.ChunkSize != 10 {
		t.Fatalf("unexpected batch/chunk defaults: %d/%d", cfg.BatchSize, cfg.ChunkSize)
	}
}

func TestSyncSettingsClampsChunkToPage(t *testing.T) {
	t.Setenv("PFA_SYNC_PAGE_SIZE", "500")
	t.Setenv("PFA_SYNC_CHUNK_SIZE", "2000")
	cfg := SyncSettings()
	if cfg.PageSize != 500 || cfg.ChunkSize != 500 {
		t.Fatalf("expected page 500 chunk 500, got %d/%d", cfg.PageSize, cfg.ChunkSize)
	}
}
