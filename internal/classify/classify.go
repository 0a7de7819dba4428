// Package classify decides whether a URL is likely to point at a content
// page worth crawling. The classifier is deliberately reject-based: instead
// of allowlisting "content" paths it filters out URLs that are clearly
// machinery (admin panels, assets, API endpoints), which keeps recall high
// on sites with unusual URL shapes.
package classify

import (
	"net/url"
	"strings"
)

// systemSegments are path segments that identify non-content machinery.
// Each is matched at a path boundary: "/seg/", a trailing "/seg", or a
// leading "seg/".
var systemSegments = []string{
	"wp-admin", "wp-login", "wp-includes", "wp-json",
	"admin", "login", "logout", "signin", "signup",
	"dashboard", "panel", "cpanel",
	"node_modules", ".git", ".env", "cgi-bin",
	"api", "rest", "graphql",
	"feed", "rss", "atom",
	"cart", "checkout", "payment",
	"ajax",
}

// rawMarkers are substrings matched against the full path+query, catching
// action-style endpoints that do not sit at a clean path boundary.
var rawMarkers = []string{"search?", "action="}

// nonPageExtensions are file extensions that never serve an HTML page.
var nonPageExtensions = map[string]bool{
	// images
	"jpg": true, "jpeg": true, "png": true, "gif": true, "svg": true,
	"webp": true, "ico": true, "bmp": true,
	// styles
	"css": true, "scss": true, "less": true,
	// scripts
	"js": true, "mjs": true,
	// documents
	"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true,
	// archives
	"zip": true, "rar": true, "tar": true, "gz": true, "7z": true,
	// media
	"mp3": true, "wav": true, "ogg": true, "mp4": true, "avi": true,
	"mov": true, "webm": true,
	// data
	"xml": true, "json": true, "txt": true, "log": true, "csv": true,
	// fonts
	"woff": true, "woff2": true, "ttf": true, "otf": true, "eot": true,
	// source maps
	"map": true,
}

// rejectedParams are query parameter names that identify programmatic
// endpoints rather than pages.
var rejectedParams = map[string]bool{
	"action": true, "ajax": true, "callback": true, "jsonp": true,
}

// maxQueryParams is the maximum number of distinct query parameters a
// content URL may carry. Beyond this the URL is almost certainly a filtered
// listing or tracking endpoint.
const maxQueryParams = 5

// IsLikelyContentURL reports whether rawURL plausibly serves a content page.
// contentType, when non-empty, is the response Content-Type header value;
// anything other than text/html or text/plain rejects immediately.
// The function is pure: no I/O, deterministic for identical inputs.
func IsLikelyContentURL(rawURL, contentType string) bool {
	if contentType != "" {
		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		if mediaType != "text/html" && mediaType != "text/plain" {
			return false
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	path := strings.ToLower(u.Path)
	for _, seg := range systemSegments {
		if hasPathSegment(path, seg) {
			return false
		}
	}

	pathAndQuery := path
	if u.RawQuery != "" {
		pathAndQuery += "?" + strings.ToLower(u.RawQuery)
	}
	for _, marker := range rawMarkers {
		if strings.Contains(pathAndQuery, marker) {
			return false
		}
	}

	if ext := pathExtension(path); ext != "" && nonPageExtensions[ext] {
		return false
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return false
	}
	for name := range query {
		if rejectedParams[strings.ToLower(name)] {
			return false
		}
	}
	if len(query) > maxQueryParams {
		return false
	}

	return true
}

// hasPathSegment reports whether seg appears in path at a segment boundary:
// surrounded by slashes, at the very start followed by a slash, or at the
// very end preceded by a slash.
func hasPathSegment(path, seg string) bool {
	if strings.Contains(path, "/"+seg+"/") {
		return true
	}
	if strings.HasSuffix(path, "/"+seg) {
		return true
	}
	if strings.HasPrefix(path, seg+"/") {
		return true
	}
	return false
}

// pathExtension returns the lowercase extension of the final path segment,
// or "" when the segment has none. A trailing dot yields "".
func pathExtension(path string) string {
	last := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		last = path[i+1:]
	}
	dot := strings.LastIndex(last, ".")
	if dot < 0 || dot == len(last)-1 {
		return ""
	}
	return last[dot+1:]
}
