package codec

import "testing"

func TestEncodeDecodeBundleRoundTrips(t *testing.T) {
	original := []byte(`{"bundle":[],"nonce":7}`)
	encoded, err := EncodeBundle(original)
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}
	decoded, err := DecodeBundle(encoded)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if string(decoded) != string(original) {
		t.Fatalf("expected round trip to preserve content, got %s", decoded)
	}
}

func TestDecodeBundleRejectsInvalidBase64(t *testing.T) {
	if _, err := DecodeBundle("not-valid-base64!!"); err == nil {
		t.Fatalf("expected error decoding invalid base64")
	}
}

func TestDecodeBundleRejectsNonGzipPayload(t *testing.T) {
	if _, err := DecodeBundle("aGVsbG8="); err == nil {
		t.Fatalf("expected error decoding non-gzip payload")
	}
}
