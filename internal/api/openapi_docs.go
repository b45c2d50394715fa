package api

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"net/http"

	"geoingest/internal/version"
)

//go:embed openapi.yml
var openAPISpec []byte

var openAPISpecETag = func() string {
	sum := sha256.Sum256(openAPISpec)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}()

// OpenAPISpec returns the embedded API document.
func OpenAPISpec() []byte {
	return openAPISpec
}

func serveOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", openAPISpecETag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == openAPISpecETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(openAPISpec)
}

const swaggerUIVersion = "5.17.14"

const openAPIDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>geoingest API Docs (%[1]s)</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@%[2]s/swagger-ui.css" />
  <style>html, body, #swagger-ui { height: 100%%; margin: 0; }</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@%[2]s/swagger-ui-bundle.js"></script>
  <script>
    window.addEventListener('load', function () {
      SwaggerUIBundle({
        url: new URL('/openapi.yml', window.location.href).toString(),
        dom_id: '#swagger-ui',
        persistAuthorization: true
      });
    });
  </script>
</body>
</html>
`

func serveOpenAPIDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, openAPIDocsHTML, version.Version, swaggerUIVersion)
}
