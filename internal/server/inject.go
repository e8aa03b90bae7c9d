package server

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxInjectSize = 4 << 20

// InjectScript inserts snippet before the last </body> tag of page. A page
// without one gets the snippet appended.
func InjectScript(page []byte, snippet string) []byte {
	at := bodyEnd(page)
	if at < 0 {
		at = len(page)
	}

	out := make([]byte, 0, len(page)+len(snippet))
	out = append(out, page[:at]...)
	out = append(out, snippet...)
	out = append(out, page[at:]...)
	return out
}

// bodyEnd returns the byte offset of the last </body> end tag, or -1
func bodyEnd(page []byte) int {
	z := html.NewTokenizer(bytes.NewReader(page))
	offset, found := 0, -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return found
		}
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Body {
				found = offset
			}
		}
		offset += len(z.Raw())
	}
}

// injector buffers HTML responses so the reload script can be added
type injector struct {
	http.ResponseWriter
	snippet     string
	status      int
	buf         bytes.Buffer
	passthrough bool
	decided     bool
}

func (i *injector) WriteHeader(code int) {
	i.status = code
	if !i.decided {
		i.decide()
	}
	if i.passthrough {
		i.ResponseWriter.WriteHeader(code)
	}
}

func (i *injector) decide() {
	i.decided = true
	ct := i.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") || i.Header().Get("Content-Encoding") != "" {
		i.passthrough = true
	}
}

func (i *injector) Write(p []byte) (int, error) {
	if !i.decided {
		i.decide()
		if i.passthrough {
			i.ResponseWriter.WriteHeader(i.status)
		}
	}
	if i.passthrough {
		return i.ResponseWriter.Write(p)
	}
	if i.buf.Len()+len(p) > maxInjectSize {
		i.passthrough = true
		i.Header().Del("Content-Length")
		i.ResponseWriter.WriteHeader(i.status)
		if _, err := i.ResponseWriter.Write(i.buf.Bytes()); err != nil {
			return 0, err
		}
		i.buf.Reset()
		return i.ResponseWriter.Write(p)
	}
	return i.buf.Write(p)
}

func (i *injector) finish() {
	if i.passthrough {
		return
	}
	if !i.decided || i.buf.Len() == 0 {
		i.ResponseWriter.WriteHeader(i.status)
		return
	}

	body := InjectScript(i.buf.Bytes(), i.snippet)
	i.Header().Set("Content-Length", strconv.Itoa(len(body)))
	i.ResponseWriter.WriteHeader(i.status)
	i.ResponseWriter.Write(body)
}

// injectReload wraps next so HTML pages load the reload client
func injectReload(next http.Handler, snippet string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		// Range requests would be cut from the unmodified length
		r.Header.Del("Range")
		r.Header.Del("If-Modified-Since")
		r.Header.Del("If-None-Match")

		inj := &injector{ResponseWriter: w, snippet: snippet, status: http.StatusOK}
		next.ServeHTTP(inj, r)
		inj.finish()
	})
}
