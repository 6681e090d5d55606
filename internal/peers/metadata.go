// Package peers tracks the devices participating in a library: their
// advertised metadata and their discovery/connection state.
package peers

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Platform identifies the operating system a peer runs on.
type Platform string

const (
	PlatformUnknown Platform = "unknown"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ErrInvalidMetadata indicates peer metadata that cannot be decoded.
var ErrInvalidMetadata = errors.New("peers: invalid metadata")

const (
	metadataKeyName     = "name"
	metadataKeyOS       = "os"
	metadataKeyVersion  = "version"
	metadataKeyInstance = "instance"
)

// CurrentPlatform reports the platform of the running process.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "android":
		return PlatformAndroid
	case "darwin":
		return PlatformMacOS
	case "ios":
		return PlatformIOS
	default:
		return PlatformUnknown
	}
}

// Code returns the single-character wire tag advertised in discovery
// records, where every byte counts.
func (p Platform) Code() string {
	switch p {
	case PlatformWindows:
		return "w"
	case PlatformLinux:
		return "l"
	case PlatformMacOS:
		return "m"
	case PlatformIOS:
		return "i"
	case PlatformAndroid:
		return "a"
	default:
		return "u"
	}
}

// ParsePlatformCode decodes a single-character platform tag.
func ParsePlatformCode(code string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "w":
		return PlatformWindows, nil
	case "l":
		return PlatformLinux, nil
	case "m":
		return PlatformMacOS, nil
	case "i":
		return PlatformIOS, nil
	case "a":
		return PlatformAndroid, nil
	case "u", "":
		return PlatformUnknown, nil
	default:
		return PlatformUnknown, fmt.Errorf("%w: platform code %q", ErrInvalidMetadata, code)
	}
}

// Metadata is the self-description a peer advertises during discovery.
type Metadata struct {
	Name       string
	Platform   Platform
	Version    string
	InstanceID string
}

// ToMap flattens the metadata into the string map carried by discovery
// records.
func (m Metadata) ToMap() map[string]string {
	return map[string]string{
		metadataKeyName:     m.Name,
		metadataKeyOS:       m.Platform.Code(),
		metadataKeyVersion:  m.Version,
		metadataKeyInstance: m.InstanceID,
	}
}

// MetadataFromMap rebuilds Metadata from a discovery record map.
func MetadataFromMap(record map[string]string) (Metadata, error) {
	name, ok := record[metadataKeyName]
	if !ok || strings.TrimSpace(name) == "" {
		return Metadata{}, fmt.Errorf("%w: missing name", ErrInvalidMetadata)
	}
	platform, err := ParsePlatformCode(record[metadataKeyOS])
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Name:       name,
		Platform:   platform,
		Version:    record[metadataKeyVersion],
		InstanceID: record[metadataKeyInstance],
	}, nil
}
