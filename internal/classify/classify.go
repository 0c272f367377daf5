// Package classify decides which repository files are worth sending to a
// text-generation provider.
package classify

import "strings"

var defaultAllowNames = []string{
	"Makefile",
	"CMakeLists.txt",
}

var defaultAllowExtensions = []string{
	".py", ".js", ".ts", ".java", ".cpp", ".cc", ".cxx", ".c", ".cs", ".go",
	".rb", ".php", ".dart", ".rs", ".kt", ".kts", ".swift", ".scala", ".m", ".mm",
	".html", ".htm", ".css", ".scss", ".sass", ".less", ".xml", ".json", ".yaml", ".yml",
	".md", ".sh", ".bash", ".bat", ".ps1", ".toml", ".ini", ".cfg", ".env", ".make",
	".gradle", ".pom", ".tsconfig", ".eslintrc", ".prettierrc", ".babelrc",
}

var defaultDenyNames = []string{
	"Thumbs.db",
	"LICENSE",
	"COPYING",
}

var defaultDenyExtensions = []string{
	".pdf", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".mp4", ".mov", ".avi", ".mkv", ".webm", ".mp3", ".wav", ".ogg",
	".zip", ".tar", ".gz", ".rar", ".7z",
	".exe", ".dll", ".so", ".dylib", ".bin", ".pyc", ".class", ".o", ".a", ".out",
	".log", ".lock", ".gitignore", ".gitattributes", ".DS_Store", ".txt",
}

// Classifier holds the allow/deny lists. The zero value denies everything;
// use New or Default.
type Classifier struct {
	allowNames map[string]struct{}
	allowExts  map[string]struct{}
	denyNames  map[string]struct{}
	denyExts   map[string]struct{}
}

var std = New(nil, nil)

// Default returns the classifier built from the built-in lists.
func Default() *Classifier { return std }

// New builds a classifier from the built-in lists plus extra entries.
// Entries starting with "." are treated as extensions, anything else as an
// exact file name.
func New(extraAllow, extraDeny []string) *Classifier {
	c := &Classifier{
		allowNames: toSet(defaultAllowNames),
		allowExts:  toSet(defaultAllowExtensions),
		denyNames:  toSet(defaultDenyNames),
		denyExts:   toSet(defaultDenyExtensions),
	}
	for _, e := range extraAllow {
		addEntry(c.allowNames, c.allowExts, e)
	}
	for _, e := range extraDeny {
		addEntry(c.denyNames, c.denyExts, e)
	}
	return c
}

// IsSummarizable reports whether fileName can be summarized with the
// built-in lists.
func IsSummarizable(fileName string) bool { return std.IsSummarizable(fileName) }

// IsSummarizable applies, in order: exact-name allow, extension allow,
// extension deny, default deny. Matching is case-sensitive.
func (c *Classifier) IsSummarizable(fileName string) bool {
	if c == nil || fileName == "" {
		return false
	}
	if _, ok := c.allowNames[fileName]; ok {
		return true
	}
	ext := Extension(fileName)
	if ext == "" {
		// no extension: only exact names can match
		return false
	}
	if _, ok := c.allowExts[ext]; ok {
		return true
	}
	if _, ok := c.denyExts[ext]; ok {
		return false
	}
	return false
}

// Denied reports whether fileName is explicitly on a deny list, as opposed
// to simply being unknown.
func (c *Classifier) Denied(fileName string) bool {
	if c == nil {
		return false
	}
	if _, ok := c.denyNames[fileName]; ok {
		return true
	}
	if ext := Extension(fileName); ext != "" {
		_, ok := c.denyExts[ext]
		return ok
	}
	return false
}

// Extension returns the substring from the last "." to the end of name,
// including the dot, or "" when name contains no dot.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}

func addEntry(names, exts map[string]struct{}, entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}
	if strings.HasPrefix(entry, ".") {
		exts[entry] = struct{}{}
		return
	}
	names[entry] = struct{}{}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
