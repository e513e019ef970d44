// SPDX-License-Identifier: MPL-2.0

package resolve

// stdlib holds the top-level standard library modules of Python 2.7 and
// Python 3. A name found in either generation is never installed.
var stdlib = setOf(
	// Shared by both generations.
	"__future__", "_thread", "abc", "aifc", "argparse", "array", "ast", "asynchat",
	"asyncore", "atexit", "audioop", "base64", "bdb", "binascii", "bisect",
	"builtins", "bz2", "calendar", "cgi", "cgitb", "chunk", "cmath", "cmd",
	"code", "codecs", "codeop", "collections", "colorsys", "compileall",
	"contextlib", "copy", "crypt", "csv", "ctypes", "curses", "datetime",
	"decimal", "difflib", "dis", "doctest", "email", "encodings", "errno",
	"fcntl", "filecmp", "fileinput", "fnmatch", "fractions", "ftplib",
	"functools", "gc", "getopt", "getpass", "gettext", "glob", "grp", "gzip",
	"hashlib", "heapq", "hmac", "imaplib", "imghdr", "imp", "importlib",
	"inspect", "io", "itertools", "json", "keyword", "lib2to3", "linecache",
	"locale", "logging", "mailbox", "mailcap", "marshal", "math", "mimetypes",
	"mmap", "modulefinder", "msilib", "msvcrt", "multiprocessing", "netrc",
	"nis", "nntplib", "numbers", "operator", "optparse", "os", "ossaudiodev",
	"pdb", "pickle", "pickletools", "pipes", "pkgutil", "platform", "plistlib",
	"poplib", "posix", "pprint", "profile", "pstats", "pty", "pwd", "py_compile",
	"pyclbr", "pydoc", "pyexpat", "quopri", "random", "re", "readline",
	"resource", "rlcompleter", "runpy", "sched", "select", "shelve", "shlex",
	"shutil", "signal", "site", "smtpd", "smtplib", "sndhdr", "socket",
	"spwd", "sqlite3", "ssl", "stat", "string", "stringprep", "struct",
	"subprocess", "sunau", "symbol", "symtable", "sys", "sysconfig", "syslog",
	"tabnanny", "tarfile", "telnetlib", "tempfile", "termios", "textwrap",
	"this", "threading", "time", "timeit", "token", "tokenize", "trace",
	"traceback", "tty", "turtle", "types", "unicodedata", "unittest", "uu",
	"uuid", "warnings", "wave", "weakref", "webbrowser", "winreg", "winsound",
	"wsgiref", "xdrlib", "xml", "xmlrpc", "zipfile", "zipimport", "zlib",
	// Python 2 only.
	"BaseHTTPServer", "Bastion", "CGIHTTPServer", "ConfigParser", "Cookie",
	"DocXMLRPCServer", "HTMLParser", "Queue", "SimpleHTTPServer",
	"SimpleXMLRPCServer", "SocketServer", "StringIO", "Tix", "Tkinter",
	"UserDict", "UserList", "UserString", "anydbm", "commands", "cPickle",
	"cStringIO", "cookielib", "copy_reg", "dbhash", "dircache", "dumbdbm",
	"dummy_thread", "exceptions", "fpformat", "future_builtins", "gdbm",
	"htmlentitydefs", "htmllib", "httplib", "ihooks", "imputil", "markupbase",
	"md5", "mhlib", "mimetools", "mimify", "multifile", "mutex", "new",
	"popen2", "posixfile", "repr", "rfc822", "robotparser", "sets", "sgmllib",
	"sha", "statvfs", "thread", "urllib2", "urlparse", "user", "whichdb",
	"xmlrpclib",
	// Python 3 only.
	"asyncio", "concurrent", "configparser", "contextvars", "copyreg",
	"dataclasses", "dbm", "enum", "faulthandler", "graphlib", "html", "http",
	"ipaddress", "lzma", "pathlib", "queue", "reprlib", "secrets", "selectors",
	"socketserver", "statistics", "tkinter", "tomllib", "tracemalloc", "typing",
	"urllib", "venv", "zipapp", "zoneinfo",
)

// IsStdlib reports whether name is a standard library module in either
// Python generation.
func IsStdlib(name string) bool {
	return stdlib[name]
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
