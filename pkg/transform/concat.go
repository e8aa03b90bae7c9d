package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// ConcatOptions configures Concat
type ConcatOptions struct {
	// Output is the file name of the joined file
	Output string
	// SourceMap emits <Output>.map and a sourceMappingURL comment
	SourceMap bool
}

// Concat joins all files, in order, into one output file
func Concat(opts ConcatOptions) Transform {
	return &concat{opts: opts}
}

type concat struct {
	opts ConcatOptions
}

func (c *concat) Name() string { return "concat" }

func (c *concat) Apply(_ context.Context, files []File) ([]File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if c.opts.Output == "" {
		return nil, fmt.Errorf("concat: no output name")
	}

	parts := make([][]byte, len(files))
	for i, f := range files {
		parts[i] = f.Contents
	}
	joined := bytes.Join(parts, []byte("\n"))

	out := File{Path: c.opts.Output, Source: c.opts.Output, Contents: joined}
	if !c.opts.SourceMap {
		return []File{out}, nil
	}

	mapName := c.opts.Output + ".map"
	sm, err := BuildSourceMap(c.opts.Output, files)
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}

	out.Contents = append(out.Contents, sourceMappingComment(c.opts.Output, path.Base(mapName))...)
	return []File{out, {Path: mapName, Source: mapName, Contents: sm}}, nil
}

func sourceMappingComment(output, mapName string) []byte {
	if strings.EqualFold(path.Ext(output), ".css") {
		return []byte("\n/*# sourceMappingURL=" + mapName + " */\n")
	}
	return []byte("\n//# sourceMappingURL=" + mapName + "\n")
}

// SourceMap is a Source Map revision 3 document
type SourceMap struct {
	Version        int      `json:"version"`
	File           string   `json:"file"`
	SourceRoot     string   `json:"sourceRoot"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// BuildSourceMap maps every line of the newline-joined files back to a
// line of its source, following each file's line table. Mappings are line
// granular.
func BuildSourceMap(output string, files []File) ([]byte, error) {
	sm := SourceMap{
		Version:    3,
		File:       path.Base(output),
		SourceRoot: "/",
		Names:      []string{},
	}

	var mappings strings.Builder
	prevSource, prevLine := 0, 0
	firstLine := true

	for i, f := range files {
		original := f.Original
		if original == nil {
			original = f.Contents
		}
		src := f.Source
		if src == "" {
			src = f.Path
		}
		sm.Sources = append(sm.Sources, src)
		sm.SourcesContent = append(sm.SourcesContent, string(original))

		srcLines := bytes.Count(original, []byte{'\n'}) + 1
		outLines := bytes.Count(f.Contents, []byte{'\n'}) + 1

		for line := 0; line < outLines; line++ {
			if !firstLine {
				mappings.WriteByte(';')
			}
			firstLine = false

			srcLine := min(max(f.SourceLine(line), 0), srcLines-1)

			// [generated column, source index, source line, source column]
			mappings.WriteString(EncodeVLQ(0))
			mappings.WriteString(EncodeVLQ(i - prevSource))
			mappings.WriteString(EncodeVLQ(srcLine - prevLine))
			mappings.WriteString(EncodeVLQ(0))
			prevSource, prevLine = i, srcLine
		}
	}
	sm.Mappings = mappings.String()

	return json.Marshal(sm)
}

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// EncodeVLQ encodes one signed value as a base64 VLQ
func EncodeVLQ(value int) string {
	v := value << 1
	if value < 0 {
		v = (-value << 1) | 1
	}

	var sb strings.Builder
	for {
		digit := v & 0x1f
		v >>= 5
		if v > 0 {
			digit |= 0x20
		}
		sb.WriteByte(base64Digits[digit])
		if v == 0 {
			return sb.String()
		}
	}
}
