// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/forloop/veil/circuit"
	"github.com/forloop/veil/identity"
)

// classifyResource maps a request to the Accept variant used for it.
func classifyResource(u *url.URL, topLevel bool) identity.ResourceKind {
	if topLevel {
		return identity.ResourceDocument
	}
	path := strings.ToLower(u.Path)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".ico", ".svg"} {
		if strings.HasSuffix(path, ext) {
			return identity.ResourceImage
		}
	}
	return identity.ResourceAsset
}

// hintFor derives the exit selection hint from the target URI.
func hintFor(u *url.URL) *circuit.Hint {
	port := uint16(443)
	if u.Scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 && v < 65536 {
			port = uint16(v)
		}
	}
	wantIPv6 := false
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.To4() == nil {
		wantIPv6 = true
	}
	return &circuit.Hint{Port: port, WantIPv6: wantIPv6}
}

// buildRequest composes the outbound request bytes with the navigation's
// synthetic header set.  Header order is fixed; variation would
// fingerprint.
func buildRequest(id *identity.Identity, u *url.URL, kind identity.ResourceKind) []byte {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	for _, hdr := range id.Headers(kind) {
		fmt.Fprintf(&b, "%s: %s\r\n", hdr.Name, hdr.Value)
	}
	b.WriteString("Connection: close\r\n\r\n")
	return b.Bytes()
}
