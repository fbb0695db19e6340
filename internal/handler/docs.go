package handler

import "net/http"

// ServeSpec serves the embedded OpenAPI document.
func ServeSpec(doc []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(doc)
	}
}

// ServeDocs renders the OpenAPI document found at docURL with ReDoc.
func ServeDocs(docURL string) http.HandlerFunc {
	page := []byte(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Reconciler API reference</title>
</head>
<body>
  <redoc spec-url="` + docURL + `" hide-download-button></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>`)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	}
}
