package media

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxImageSize = 15 * 1024 * 1024 // 15MB raw (base64 adds ~33% → ~20MB encoded)
	maxTextSize  = 100 * 1024       // 100KB
)

// imageExts maps file extensions to MIME types for supported image formats.
var imageExts = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// textExts lists extensions treated as readable text files.
var textExts = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".go": true,
	".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".json": true, ".csv": true, ".xml": true, ".html": true,
	".css": true, ".yaml": true, ".yml": true, ".toml": true,
	".sh": true, ".bash": true, ".zsh": true, ".fish": true,
	".rs": true, ".java": true, ".kt": true, ".c": true,
	".h": true, ".cpp": true, ".hpp": true, ".rb": true,
	".php": true, ".swift": true, ".sql": true, ".r": true,
	".lua": true, ".pl": true, ".env": true, ".ini": true,
	".cfg": true, ".conf": true, ".log": true, ".diff": true,
	".patch": true, ".tex": true, ".rst": true,
}

// ProcessFile reads a file from disk and returns a ContentPart.
// Images are base64-encoded; text files have their content included;
// other/binary files get a placeholder description.
func ProcessFile(path string) (*ContentPart, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return &ContentPart{Type: "text", Text: fmt.Sprintf("[Empty file: %s]", filepath.Base(path))}, nil
	}

	fileName := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))

	if mimeType, ok := imageExts[ext]; ok {
		if info.Size() > maxImageSize {
			return &ContentPart{Type: "text", Text: fmt.Sprintf("[Image too large: %s, %.1f MB]", fileName, float64(info.Size())/(1024*1024))}, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}
		return classifyImage(fileName, mimeType, data), nil
	}

	if info.Size() > maxTextSize && (textExts[ext] || isTextMIME(ext) || isLikelyText(path)) {
		return &ContentPart{Type: "text", Text: fmt.Sprintf("[File too large to include: %s, %.1f KB]", fileName, float64(info.Size())/1024)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ClassifyBytes(fileName, ext, data), nil
}

// ClassifyBytes applies ProcessFile's extension/content-sniffing rules to an
// already-fetched byte slice, so callers that receive attachments over the
// wire (rather than from local disk) get the same image/text/binary
// classification without needing a filesystem round-trip. fileName is used
// only for its extension and for the placeholder text; ext may be passed
// empty to force pure content sniffing.
func ClassifyBytes(fileName, ext string, data []byte) *ContentPart {
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(fileName))
	}
	if len(data) == 0 {
		return &ContentPart{Type: "text", Text: fmt.Sprintf("[Empty file: %s]", fileName)}
	}

	if mimeType, ok := imageExts[ext]; ok {
		if len(data) > maxImageSize {
			return &ContentPart{Type: "text", Text: fmt.Sprintf("[Image too large: %s, %.1f MB]", fileName, float64(len(data))/(1024*1024))}
		}
		return classifyImage(fileName, mimeType, data)
	}

	if textExts[ext] || isTextMIME(ext) || isLikelyTextContent(data) {
		if len(data) > maxTextSize {
			return &ContentPart{Type: "text", Text: fmt.Sprintf("[File too large to include: %s, %.1f KB]", fileName, float64(len(data))/1024)}
		}
		return &ContentPart{
			Type:     "text",
			Text:     fmt.Sprintf("--- Content of %s ---\n%s\n--- End of %s ---", fileName, string(data), fileName),
			FileName: fileName,
		}
	}

	return &ContentPart{Type: "text", Text: fmt.Sprintf("[Unsupported file: %s, %d bytes]", fileName, len(data))}
}

func classifyImage(fileName, mimeType string, data []byte) *ContentPart {
	return &ContentPart{
		Type:      "image",
		MediaType: mimeType,
		Data:      base64.StdEncoding.EncodeToString(data),
		FileName:  fileName,
	}
}

func isTextMIME(ext string) bool {
	mimeType := mime.TypeByExtension(ext)
	return strings.HasPrefix(mimeType, "text/")
}

// isLikelyText reads the first 512 bytes and uses http.DetectContentType
// to determine if a file is likely text (for files with no recognized extension).
func isLikelyText(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n == 0 {
		return false
	}
	return isLikelyTextContent(buf[:n])
}

// isLikelyTextContent is isLikelyText's content-sniffing rule applied
// directly to bytes already in memory.
func isLikelyTextContent(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	ct := http.DetectContentType(data[:n])
	return strings.HasPrefix(ct, "text/") || ct == "application/json"
}
