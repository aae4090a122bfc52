// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

// Profile is one allow-listed tuple of mutually-plausible fingerprint
// values, representing a common real-world configuration.  Identities are
// always drawn from whole profiles, never assembled field-by-field, so a
// synthesized identity blends into a known population.
type Profile struct {
	// UserAgent is the User-Agent string.
	UserAgent string

	// AcceptLanguage is the Accept-Language header value.
	AcceptLanguage string

	// Platform is the navigator.platform value.
	Platform string

	// ScreenWidth is the screen width in pixels.
	ScreenWidth int

	// ScreenHeight is the screen height in pixels.
	ScreenHeight int

	// ColorDepth is the color depth in bits.
	ColorDepth int

	// PixelRatio is the device pixel ratio.
	PixelRatio int

	// HardwareConcurrency is the logical CPU core count.
	HardwareConcurrency int

	// DeviceMemory is the device memory in GiB.
	DeviceMemory int

	// TimezoneOffsets is the set of UTC offsets (minutes) plausible for
	// the profile's population.
	TimezoneOffsets []int
}

// These User-Agent strings track Tor Browser releases and MUST be kept in
// sync with them; a stale UA is itself a fingerprint.
const (
	uaWindows = "Mozilla/5.0 (Windows NT 10.0; rv:115.0) Gecko/20100101 Firefox/115.0"
	uaLinux   = "Mozilla/5.0 (X11; Linux x86_64; rv:115.0) Gecko/20100101 Firefox/115.0"
	uaMac     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:115.0) Gecko/20100101 Firefox/115.0"

	// acceptLanguage is fixed across all profiles; varying it would
	// fingerprint.
	acceptLanguage = "en-US,en;q=0.5"
)

// DefaultTable returns the built-in profile allow-list.
func DefaultTable() []Profile {
	return []Profile{
		{
			UserAgent:           uaWindows,
			AcceptLanguage:      acceptLanguage,
			Platform:            "Win32",
			ScreenWidth:         1920,
			ScreenHeight:        1080,
			ColorDepth:          24,
			PixelRatio:          1,
			HardwareConcurrency: 8,
			DeviceMemory:        8,
			TimezoneOffsets:     []int{-480, -420, -360, -300, -240, 0, 60},
		},
		{
			UserAgent:           uaWindows,
			AcceptLanguage:      acceptLanguage,
			Platform:            "Win32",
			ScreenWidth:         1536,
			ScreenHeight:        864,
			ColorDepth:          24,
			PixelRatio:          1,
			HardwareConcurrency: 4,
			DeviceMemory:        8,
			TimezoneOffsets:     []int{-480, -420, -360, -300, -240, 0, 60},
		},
		{
			UserAgent:           uaWindows,
			AcceptLanguage:      acceptLanguage,
			Platform:            "Win32",
			ScreenWidth:         1366,
			ScreenHeight:        768,
			ColorDepth:          24,
			PixelRatio:          1,
			HardwareConcurrency: 4,
			DeviceMemory:        4,
			TimezoneOffsets:     []int{-300, -240, 0, 60, 120},
		},
		{
			UserAgent:           uaLinux,
			AcceptLanguage:      acceptLanguage,
			Platform:            "Linux x86_64",
			ScreenWidth:         1920,
			ScreenHeight:        1080,
			ColorDepth:          24,
			PixelRatio:          1,
			HardwareConcurrency: 8,
			DeviceMemory:        16,
			TimezoneOffsets:     []int{0, 60, 120, 180},
		},
		{
			UserAgent:           uaLinux,
			AcceptLanguage:      acceptLanguage,
			Platform:            "Linux x86_64",
			ScreenWidth:         1366,
			ScreenHeight:        768,
			ColorDepth:          24,
			PixelRatio:          1,
			HardwareConcurrency: 4,
			DeviceMemory:        8,
			TimezoneOffsets:     []int{0, 60, 120},
		},
		{
			UserAgent:           uaMac,
			AcceptLanguage:      acceptLanguage,
			Platform:            "MacIntel",
			ScreenWidth:         1280,
			ScreenHeight:        800,
			ColorDepth:          24,
			PixelRatio:          2,
			HardwareConcurrency: 8,
			DeviceMemory:        16,
			TimezoneOffsets:     []int{-480, -420, -300, -240, 0, 60},
		},
		{
			UserAgent:           uaMac,
			AcceptLanguage:      acceptLanguage,
			Platform:            "MacIntel",
			ScreenWidth:         1440,
			ScreenHeight:        900,
			ColorDepth:          24,
			PixelRatio:          2,
			HardwareConcurrency: 8,
			DeviceMemory:        8,
			TimezoneOffsets:     []int{-480, -420, -300, -240, 0, 60},
		},
	}
}

func (p *Profile) validate() bool {
	return p.UserAgent != "" &&
		p.AcceptLanguage != "" &&
		p.Platform != "" &&
		p.ScreenWidth > 0 && p.ScreenHeight > 0 &&
		p.ColorDepth > 0 && p.PixelRatio > 0 &&
		p.HardwareConcurrency > 0 && p.DeviceMemory > 0 &&
		len(p.TimezoneOffsets) > 0
}
