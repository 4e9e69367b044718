// Package kubeconfig rewrites Cluster Credential Documents to point
// at the correct control-plane endpoint. Every function here is pure
// and idempotent: no I/O, no network, text in and text out.
package kubeconfig

import (
	"fmt"
	"regexp"
	"strings"
)

var serverLineRe = regexp.MustCompile(`(?m)^(\s*server:\s*)(\S+)\s*$`)

// Rewrite replaces every `server:` field in doc with
// https://<primaryEndpoint>:6443, and replaces any mention of the
// joining node's name variants with the primary form. It re-parses
// the result and only returns it if the server field actually matches
// what was intended; on mismatch it returns the original text
// unchanged along with false so the caller can flag it.
func Rewrite(doc string, primaryEndpoint string, joiningNodeNames []string) (rewritten string, ok bool) {
	target := fmt.Sprintf("https://%s:6443", primaryEndpoint)

	text := doc
	for _, name := range joiningNodeNames {
		if name == "" {
			continue
		}
		text = replaceNodeNameInServerURLs(text, name, primaryEndpoint)
	}

	text = serverLineRe.ReplaceAllString(text, "${1}"+target)

	if !verifyServerMatches(text, target) {
		return doc, false
	}
	return text, true
}

// replaceNodeNameInServerURLs substitutes occurrences of oldName that
// appear as the host portion of a server: URL with newHost, leaving
// the rest of the document untouched.
func replaceNodeNameInServerURLs(text, oldName, newHost string) string {
	return serverLineRe.ReplaceAllStringFunc(text, func(line string) string {
		m := serverLineRe.FindStringSubmatch(line)
		if m == nil {
			return line
		}
		prefix, url := m[1], m[2]
		if strings.Contains(url, oldName) {
			url = strings.ReplaceAll(url, oldName, newHost)
		}
		return prefix + url
	})
}

// ServerEndpoints extracts every server: field's full URL value (e.g.
// "https://host:6443") found in doc, in document order.
func ServerEndpoints(doc string) []string {
	matches := serverLineRe.FindAllStringSubmatch(doc, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[2])
	}
	return out
}

// verifyServerMatches confirms every server: field in text equals
// target exactly - the final re-parse pass Rewrite uses to decide
// whether its own output is trustworthy.
func verifyServerMatches(text, target string) bool {
	endpoints := ServerEndpoints(text)
	if len(endpoints) == 0 {
		return false
	}
	for _, e := range endpoints {
		if e != target {
			return false
		}
	}
	return true
}
