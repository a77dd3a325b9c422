// Package autoindex renders HTML directory listings.
package autoindex

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

var listingTmpl = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><title>Index of {{ .Path }}</title></head>
<body>
<h1>Index of {{ .Path }}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{- if .Parent }}
<tr><td><a href="{{ .Parent }}">../</a></td><td>-</td><td>-</td></tr>
{{- end }}
{{- range .Entries }}
<tr><td><a href="{{ .Href }}">{{ .Name }}</a></td><td>{{ .Size }}</td><td>{{ .Modified }}</td></tr>
{{- end }}
</table>
</body>
</html>
`))

type entry struct {
	Name     string
	Href     string
	Size     string
	Modified string
}

type listing struct {
	Path    string
	Parent  string
	Entries []entry
}

// Render lists the directory dir, which is served at the URL path urlPath.
// Directories come first, then files, each sorted by name. Hidden entries
// are omitted.
func Render(dir, urlPath string) ([]byte, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	l := listing{Path: urlPath}
	if urlPath != "/" {
		l.Parent = path.Dir(strings.TrimSuffix(urlPath, "/"))
		if !strings.HasSuffix(l.Parent, "/") {
			l.Parent += "/"
		}
	}

	sort.SliceStable(des, func(i, j int) bool {
		if des[i].IsDir() != des[j].IsDir() {
			return des[i].IsDir()
		}
		return des[i].Name() < des[j].Name()
	})
	for _, de := range des {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed since the directory was read.
			continue
		}
		e := entry{
			Name:     name,
			Href:     urlPath + name,
			Size:     fmt.Sprintf("%d", info.Size()),
			Modified: info.ModTime().UTC().Format(time.RFC1123),
		}
		if de.IsDir() {
			e.Name += "/"
			e.Href += "/"
			e.Size = "-"
		}
		l.Entries = append(l.Entries, e)
	}

	var buf bytes.Buffer
	if err := listingTmpl.Execute(&buf, l); err != nil {
		return nil, fmt.Errorf("failed to render listing: %w", err)
	}
	return buf.Bytes(), nil
}
