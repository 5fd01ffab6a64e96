// Package webui exposes the embedded templates and static assets.
// It lives at the module root to embed the sibling "web/" directory;
// internal/server imports it to render pages.
package webui

import "embed"

// FS is the embedded web directory tree: web/templates holds the
// html/template sources and web/static the scripts and stylesheets.
//
//go:embed web
var FS embed.FS
