package metadata

import (
	"path"
	"regexp"
	"strings"
)

var pythonBinary = regexp.MustCompile(`^python([23](\.\d{1,2})?)?$`)

// AppID derives a human readable application identity from a command line, or "" when
// no heuristic applies. cwd resolves relative script paths.
func AppID(runtime string, cmdline []string, cwd string) string {
	if len(cmdline) == 0 {
		return ""
	}
	switch runtime {
	case "python":
		return pythonAppID(cmdline, cwd)
	case "ruby":
		if arg := firstWithSuffix(cmdline, ".rb", "-r"); arg != "" {
			return "ruby: " + arg + " (" + inCwd(cwd, arg) + ")"
		}
	case "java":
		if jar := argValue(cmdline, "-jar"); jar != "" {
			return "java: " + jar
		}
		if main := javaMainClass(cmdline[1:]); main != "" {
			return "java: " + main
		}
	case "php":
		if arg := firstWithSuffix(cmdline, ".php", ""); arg != "" {
			return "php: " + arg + " (" + inCwd(cwd, arg) + ")"
		}
	}
	return ""
}

func pythonAppID(cmdline []string, cwd string) string {
	first := path.Base(cmdline[0])
	second := ""
	if len(cmdline) > 1 {
		second = path.Base(cmdline[1])
	}
	switch {
	case first == "gunicorn" || second == "gunicorn":
		spec := cmdline[len(cmdline)-1]
		module, _, _ := strings.Cut(spec, ":")
		return "gunicorn: " + spec + " (" + inCwd(cwd, modulePath(module)) + ")"
	case first == "celery" || second == "celery" || isPythonModule(cmdline, "celery"):
		if app := argValue(cmdline, "-A", "--app"); app != "" {
			return "celery: " + app + " (" + inCwd(cwd, modulePath(app)) + ")"
		}
		if queue := argValue(cmdline, "-Q", "--queues"); queue != "" {
			return "celery queue: " + queue + " (" + cwd + ")"
		}
		return ""
	case isPythonModule(cmdline, "pyspark.daemon"):
		return "pyspark"
	}
	if !pythonBinary.MatchString(first) {
		return ""
	}
	if module := argValue(cmdline, "-m"); module != "" {
		return "python: -m " + module
	}
	if len(cmdline) > 1 && strings.HasSuffix(cmdline[1], ".py") {
		return "python: " + cmdline[1] + " (" + inCwd(cwd, cmdline[1]) + ")"
	}
	return ""
}

func isPythonModule(cmdline []string, module string) bool {
	return len(cmdline) >= 3 && pythonBinary.MatchString(path.Base(cmdline[0])) &&
		cmdline[1] == "-m" && cmdline[2] == module
}

// argValue returns the value of the first flag found, in "-f v", "-f=v" or "-fv" form.
func argValue(args []string, flags ...string) string {
	for _, flag := range flags {
		for i, arg := range args {
			if arg == flag && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(arg, flag+"="); ok {
				return v
			}
			if len(flag) == 2 && len(arg) > 2 && strings.HasPrefix(arg, flag) && !strings.HasPrefix(arg, "--") {
				return arg[2:]
			}
		}
	}
	return ""
}

// firstWithSuffix returns the first argument ending in suffix, skipping the value of skipFlag.
func firstWithSuffix(args []string, suffix, skipFlag string) string {
	skip := false
	for _, arg := range args {
		if skip {
			skip = false
			continue
		}
		if skipFlag != "" && strings.HasPrefix(arg, skipFlag) {
			skip = arg == skipFlag
			continue
		}
		if strings.HasSuffix(arg, suffix) {
			return arg
		}
	}
	return ""
}

// javaMainClass returns the first argument that is neither an option nor an option value.
func javaMainClass(args []string) string {
	skip := false
	for _, arg := range args {
		if skip {
			skip = false
			continue
		}
		switch {
		case arg == "-cp" || arg == "-classpath" || arg == "--class-path" || arg == "-p" || arg == "--module-path":
			skip = true
		case strings.HasPrefix(arg, "-"):
		default:
			return arg
		}
	}
	return ""
}

func modulePath(module string) string {
	if strings.HasSuffix(module, ".py") {
		return module
	}
	return strings.ReplaceAll(module, ".", "/") + ".py"
}

func inCwd(cwd, file string) string {
	if path.IsAbs(file) || cwd == "" {
		return path.Clean(file)
	}
	return path.Join(cwd, file)
}
