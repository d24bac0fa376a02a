package naming

import (
	"net/url"
	"path"
	"strings"
)

// defaultExt is used when a URL carries no usable extension hint.
const defaultExt = ".jpg"

// ExtFromURL derives a file extension (lowercase, with dot) from an image
// URL. A format query parameter wins over the path suffix — image CDNs
// commonly encode the real type there (…?format=png&name=large). Falls
// back to ".jpg".
func ExtFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultExt
	}

	if format := u.Query().Get("format"); format != "" {
		return "." + strings.ToLower(format)
	}

	if ext := path.Ext(u.Path); ext != "" {
		return strings.ToLower(ext)
	}

	return defaultExt
}
