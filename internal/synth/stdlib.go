package synth

// stdlibModules is the set of top-level Python 3 standard-library modules a
// synthesized check may import. Packaging, GUI and interpreter-internal
// modules are left out.
var stdlibModules = toSet(
	"__future__", "abc", "argparse", "array", "ast", "asyncio", "base64",
	"binascii", "bisect", "calendar", "codecs", "collections", "concurrent",
	"contextlib", "copy", "csv", "ctypes", "dataclasses", "datetime",
	"decimal", "difflib", "email", "enum", "errno", "fnmatch", "fractions",
	"ftplib", "functools", "getpass", "gettext", "glob", "gzip", "hashlib",
	"heapq", "hmac", "html", "http", "imaplib", "io", "ipaddress",
	"itertools", "json", "logging", "math", "mimetypes", "operator", "os",
	"pathlib", "platform", "poplib", "pprint", "queue", "random", "re",
	"secrets", "select", "selectors", "shlex", "shutil", "signal",
	"smtplib", "socket", "socketserver", "ssl", "stat", "string",
	"struct", "subprocess", "sys", "tempfile", "textwrap", "threading",
	"time", "timeit", "traceback", "types", "typing", "unicodedata",
	"urllib", "uuid", "warnings", "xml", "xmlrpc", "zipfile", "zlib",
)

func toSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
