package safety

// Categories group pattern rules in verdict details and policy files.
const (
	CategoryDynamicCode = "dynamic-code"
	CategoryProcess     = "process"
	CategoryNetwork     = "network"
	CategoryNative      = "native"
	CategoryIntrospect  = "introspection"
	CategoryFilesystem  = "filesystem"
)

// Rule is one entry of the pattern blocklist. Pattern is an RE2 expression
// matched against the whole candidate.
type Rule struct {
	ID          string `toml:"id"`
	Category    string `toml:"category"`
	Description string `toml:"description"`
	Pattern     string `toml:"pattern"`
}

// importOf matches an import statement naming any of the given modules,
// including "import a, b" and "from a.b import c" forms.
func importOf(modules string) string {
	return `(?m)^[ \t]*(?:import[ \t]+[^\n#]*\b(?:` + modules + `)\b|from[ \t]+(?:` + modules + `)\b[\w.]*[ \t]+import)`
}

// processFuncs are the os functions that start, replace or signal processes.
const processFuncs = `(?:system|popen|exec\w*|spawn\w*|fork\w*|kill\w*|posix_spawn\w*|setuid|setgid|chroot|_exit)`

// DefaultRules returns the built-in blocklist for generated Python.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "dynamic-eval",
			Category:    CategoryDynamicCode,
			Description: "eval, exec or compile of dynamic source",
			Pattern:     `(?m)(?:^|[^.\w])(?:eval|exec|compile)[ \t]*\(`,
		},
		{
			ID:          "dynamic-import",
			Category:    CategoryDynamicCode,
			Description: "runtime module loading",
			Pattern:     `__import__|\bimportlib\b|` + importOf(`importlib|imp|runpy|zipimport`),
		},
		{
			ID:          "builtins-access",
			Category:    CategoryDynamicCode,
			Description: "access to the builtins namespace",
			Pattern:     `__builtins__|\bbuiltins\b`,
		},
		{
			ID:          "os-process",
			Category:    CategoryProcess,
			Description: "process spawning or signalling through os",
			Pattern:     `\bos\s*\.\s*` + processFuncs + `\b`,
		},
		{
			ID:          "os-process-import",
			Category:    CategoryProcess,
			Description: "process functions imported by name from os, posix or nt",
			Pattern:     `(?m)^[ \t]*from[ \t]+(?:os|posix|nt)[ \t]+import[ \t]*(?:\*|\([^)]*\b` + processFuncs + `\b|[^\n#]*\b` + processFuncs + `\b)`,
		},
		{
			ID:          "os-module-alias",
			Category:    CategoryProcess,
			Description: "os imported under another name, or the posix and nt modules behind it",
			Pattern:     `(?m)^[ \t]*import[ \t]+[^\n#]*\b(?:os|posix|nt)[ \t]+as\b|` + importOf(`posix|nt`),
		},
		{
			ID:          "reflective-lookup",
			Category:    CategoryIntrospect,
			Description: "attributes or modules looked up by name at runtime",
			Pattern:     `\b(?:getattr|setattr|delattr)\s*\(\s*(?:os|posix|nt|sys|subprocess|shutil|socket|importlib|builtins)\b|\b(?:vars|globals|locals)\s*\(|\b(?:os|posix|nt|sys)\s*\.\s*__dict__`,
		},
		{
			ID:          "process-modules",
			Category:    CategoryProcess,
			Description: "subprocess, pty or multiprocessing",
			Pattern:     importOf(`subprocess|pty|multiprocessing|concurrent|pexpect|sh|commands|asyncio`) + `|\bsubprocess\s*\.`,
		},
		{
			ID:          "network-modules",
			Category:    CategoryNetwork,
			Description: "network access",
			Pattern: importOf(`socket|socketserver|ssl|select|selectors|urllib|urllib2|urllib3|requests|httpx|aiohttp|http|ftplib|smtplib|poplib|imaplib|telnetlib|xmlrpc|webbrowser|paramiko|websocket|websockets|grpc`) +
				`|\bsocket\s*\.\s*(?:socket|create_connection)\b`,
		},
		{
			ID:          "native-code",
			Category:    CategoryNative,
			Description: "foreign function interfaces",
			Pattern:     importOf(`ctypes|cffi|mmap|resource`),
		},
		{
			ID:          "object-introspection",
			Category:    CategoryIntrospect,
			Description: "interpreter internals commonly used to escape restrictions",
			Pattern:     `__subclasses__|__globals__|__code__|__closure__|__loader__|__spec__|\bsys\s*\.\s*(?:modules|settrace|setprofile|addaudithook|_getframe)\b|\binspect\s*\.\s*(?:currentframe|stack)\b|\bgc\s*\.\s*get_referrers\b`,
		},
		{
			ID:          "destructive-fs",
			Category:    CategoryFilesystem,
			Description: "recursive deletion or permission changes",
			Pattern:     `\bshutil\s*\.\s*rmtree\b|\bos\s*\.\s*(?:chmod|chown|lchown|removedirs)\b`,
		},
	}
}
