package peers

import (
	"errors"
	"testing"
)

func TestMetadataMapRoundTrip(t *testing.T) {
	original := Metadata{
		Name:       "studio-desktop",
		Platform:   PlatformLinux,
		Version:    "0.3.1",
		InstanceID: "0192a1b2-0000-7000-8000-000000000001",
	}

	decoded, err := MetadataFromMap(original.ToMap())
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded != original {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, original)
	}
}

func TestMetadataFromMapRequiresName(t *testing.T) {
	_, err := MetadataFromMap(map[string]string{"os": "l"})
	if !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected invalid metadata error, got %v", err)
	}
}

func TestParsePlatformCode(t *testing.T) {
	tests := []struct {
		code     string
		expected Platform
		wantErr  bool
	}{
		{code: "w", expected: PlatformWindows},
		{code: "L", expected: PlatformLinux},
		{code: "m", expected: PlatformMacOS},
		{code: "i", expected: PlatformIOS},
		{code: "a", expected: PlatformAndroid},
		{code: "", expected: PlatformUnknown},
		{code: "z", wantErr: true},
	}
	for _, testCase := range tests {
		platform, err := ParsePlatformCode(testCase.code)
		if testCase.wantErr {
			if err == nil {
				t.Fatalf("expected error for code %q", testCase.code)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for code %q: %v", testCase.code, err)
		}
		if platform != testCase.expected {
			t.Fatalf("code %q: got %v want %v", testCase.code, platform, testCase.expected)
		}
	}
}

func TestPlatformCodeRoundTrip(t *testing.T) {
	platforms := []Platform{PlatformWindows, PlatformLinux, PlatformMacOS, PlatformIOS, PlatformAndroid, PlatformUnknown}
	for _, platform := range platforms {
		decoded, err := ParsePlatformCode(platform.Code())
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", platform, err)
		}
		if decoded != platform {
			t.Fatalf("round trip mismatch: got %v want %v", decoded, platform)
		}
	}
}
