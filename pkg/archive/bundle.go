package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Bundle packs blobs into a single zip so a multi-file selection can travel
// as one primary upload. Names are flattened; a repeated name gets a numeric
// suffix inside the bundle because zip readers disagree on duplicate entries.
func Bundle(blobs []Blob) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	seen := make(map[string]int, len(blobs))
	for _, b := range blobs {
		name := uniqueName(b.Name, seen)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := w.Write(b.Data); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func uniqueName(raw string, seen map[string]int) string {
	name := strings.TrimSpace(raw)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "file"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := ""
	stem := name
	if dot := strings.LastIndex(name, "."); dot > 0 {
		stem, ext = name[:dot], name[dot:]
	}
	return stem + "-" + strconv.Itoa(n+1) + ext
}
