// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

// ResourceKind selects the Accept header variant for a request.
type ResourceKind int

const (
	// ResourceDocument is a top-level HTML navigation.
	ResourceDocument ResourceKind = iota

	// ResourceImage is an image sub-resource.
	ResourceImage

	// ResourceAsset is any other sub-resource (scripts, styles, fonts).
	ResourceAsset
)

const (
	acceptHTML  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptImage = "image/avif,image/webp,*/*"
	acceptAsset = "*/*"

	acceptEncoding = "gzip, deflate, br"
)

// Header is one synthetic HTTP header.
type Header struct {
	Name  string
	Value string
}

// Headers returns the minimal synthetic header set for a request under
// this identity.  The set is fixed per identity; only the Accept variant
// depends on the resource kind.
func (id *Identity) Headers(kind ResourceKind) []Header {
	accept := acceptHTML
	switch kind {
	case ResourceImage:
		accept = acceptImage
	case ResourceAsset:
		accept = acceptAsset
	}
	return []Header{
		{"User-Agent", id.UserAgent},
		{"Accept", accept},
		{"Accept-Language", id.AcceptLanguage},
		{"Accept-Encoding", acceptEncoding},
	}
}
