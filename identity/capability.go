// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"strconv"
)

// CapabilityTable builds the fixed capability table for a navigation:
// capability name to replacement value, selected once and handed to the
// render collaborator's initialization call.  No original/override dual
// state is retained at runtime; the renderer installs these values and
// discards its native implementations.
func CapabilityTable(id *Identity) map[string]string {
	return map[string]string{
		"navigator.userAgent":           id.UserAgent,
		"navigator.platform":            id.Platform,
		"navigator.language":            primaryLanguage(id.AcceptLanguage),
		"navigator.hardwareConcurrency": strconv.Itoa(id.HardwareConcurrency),
		"navigator.deviceMemory":        strconv.Itoa(id.DeviceMemory),
		"screen.width":                  strconv.Itoa(id.Screen.Width),
		"screen.height":                 strconv.Itoa(id.Screen.Height),
		"screen.colorDepth":             strconv.Itoa(id.Screen.ColorDepth),
		"window.devicePixelRatio":       strconv.Itoa(id.Screen.PixelRatio),
		"date.timezoneOffset":           strconv.Itoa(id.TimezoneOffset),
		"canvas.noiseSeed":              strconv.FormatUint(id.CanvasSeed, 16),
		"webgl.noiseSeed":               strconv.FormatUint(id.WebGLSeed, 16),
		"audio.noiseSeed":               strconv.FormatUint(id.AudioSeed, 16),
	}
}

func primaryLanguage(acceptLanguage string) string {
	for i := 0; i < len(acceptLanguage); i++ {
		if acceptLanguage[i] == ',' || acceptLanguage[i] == ';' {
			return acceptLanguage[:i]
		}
	}
	return acceptLanguage
}
