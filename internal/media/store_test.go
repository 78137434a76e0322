package media

import (
	"strings"
	"testing"
)

func TestGenerateAttachmentKey_PreservesExtensionAndScopesByConversation(t *testing.T) {
	key := GenerateAttachmentKey("conv-1", "msg-1", "photo.jpg")
	if !strings.HasPrefix(key, "attachments/conv-1/msg-1/") {
		t.Fatalf("got %q, want attachments/conv-1/msg-1/ prefix", key)
	}
	if !strings.HasSuffix(key, ".jpg") {
		t.Fatalf("got %q, want .jpg suffix preserved", key)
	}
}

func TestGenerateAttachmentKey_UniqueAcrossCalls(t *testing.T) {
	a := GenerateAttachmentKey("conv-1", "msg-1", "file.bin")
	b := GenerateAttachmentKey("conv-1", "msg-1", "file.bin")
	if a == b {
		t.Fatalf("expected distinct keys for repeated calls, got %q twice", a)
	}
}

func TestGenerateAvatarKey_DefaultsExtensionWhenMissing(t *testing.T) {
	key := GenerateAvatarKey("user-1", "noext")
	if !strings.HasPrefix(key, "avatars/user-1/") {
		t.Fatalf("got %q, want avatars/user-1/ prefix", key)
	}
	if !strings.HasSuffix(key, ".png") {
		t.Fatalf("got %q, want default .png extension", key)
	}
}
