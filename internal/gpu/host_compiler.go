package gpu

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// The host device cannot execute arbitrary OpenCL C. Its compiler checks the source
// for well-formed kernel declarations and binds each one to a Go-native
// implementation with the same name and signature.

type paramKind int

const (
	paramGlobalFloatPtr paramKind = iota + 1
	paramInt
)

func (k paramKind) String() string {
	switch k {
	case paramGlobalFloatPtr:
		return "__global float*"
	case paramInt:
		return "int"
	default:
		return "unknown"
	}
}

type kernelParam struct {
	Name string
	Kind paramKind
}

type kernelDecl struct {
	Name   string
	Params []kernelParam
	Line   int
	Col    int
}

func (d kernelDecl) signature() string {
	kinds := make([]string, len(d.Params))
	for i, p := range d.Params {
		kinds[i] = p.Kind.String()
	}
	return "(" + strings.Join(kinds, ", ") + ")"
}

var (
	kernelDeclPattern  = regexp.MustCompile(`\b(?:__kernel|kernel)\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	ignoredQualifiers  = map[string]bool{"const": true, "__const": true, "restrict": true, "__restrict": true}
	addressSpaceGlobal = map[string]bool{"__global": true, "global": true}
)

type compileError struct {
	offset int
	msg    string
}

// sourceMap converts byte offsets into 1-based line and column numbers.
type sourceMap struct {
	lines      []string
	lineStarts []int
}

func newSourceMap(source string) sourceMap {
	starts := []int{0}
	for i, ch := range source {
		if ch == '\n' {
			starts = append(starts, i+1)
		}
	}
	return sourceMap{lines: strings.Split(source, "\n"), lineStarts: starts}
}

func (m sourceMap) position(offset int) (line, col int) {
	idx := sort.Search(len(m.lineStarts), func(i int) bool { return m.lineStarts[i] > offset }) - 1
	if idx < 0 {
		idx = 0
	}
	return idx + 1, offset - m.lineStarts[idx] + 1
}

func (m sourceMap) format(name string, errs []compileError) string {
	var sb strings.Builder
	for _, e := range errs {
		line, col := m.position(e.offset)
		fmt.Fprintf(&sb, "%s:%d:%d: error: %s\n", name, line, col, e.msg)
		if line-1 < len(m.lines) {
			sb.WriteString(m.lines[line-1])
			sb.WriteString("\n")
			sb.WriteString(strings.Repeat(" ", col-1))
			sb.WriteString("^\n")
		}
	}
	if len(errs) == 1 {
		sb.WriteString("1 error generated.\n")
	} else {
		fmt.Fprintf(&sb, "%d errors generated.\n", len(errs))
	}
	return sb.String()
}

// compileHostProgram returns the kernels declared in source, or the build log and an
// error when the source cannot run on the host device.
func compileHostProgram(name, source string) (map[string]kernelDecl, string, error) {
	smap := newSourceMap(source)

	code, errs := stripComments(source)
	if len(errs) == 0 {
		errs = checkBalance(code)
	}

	decls := make(map[string]kernelDecl)
	if len(errs) == 0 {
		for _, match := range kernelDeclPattern.FindAllStringSubmatchIndex(code, -1) {
			kernelName := code[match[2]:match[3]]
			decl, declErrs := parseKernelDecl(kernelName, code[match[4]:match[5]], match[4])
			errs = append(errs, declErrs...)
			if len(declErrs) > 0 {
				continue
			}
			decl.Line, decl.Col = smap.position(match[2])
			if _, dup := decls[kernelName]; dup {
				errs = append(errs, compileError{offset: match[2], msg: fmt.Sprintf("redefinition of '%s'", kernelName)})
				continue
			}
			if err := checkHostImplementation(decl); err != "" {
				errs = append(errs, compileError{offset: match[2], msg: err})
				continue
			}
			decls[kernelName] = decl
		}
	}

	if len(errs) > 0 {
		return nil, smap.format(name, errs), fmt.Errorf("%d error(s) compiling %s", len(errs), name)
	}
	return decls, "", nil
}

func parseKernelDecl(name, params string, offset int) (kernelDecl, []compileError) {
	decl := kernelDecl{Name: name}
	trimmed := strings.TrimSpace(params)
	if trimmed == "" || trimmed == "void" {
		return decl, nil
	}

	var errs []compileError
	pos := offset
	for _, raw := range strings.Split(params, ",") {
		p, err := parseParam(raw)
		if err != "" {
			lead := len(raw) - len(strings.TrimLeft(raw, " \t\r\n"))
			errs = append(errs, compileError{offset: pos + lead, msg: err})
		} else {
			decl.Params = append(decl.Params, p)
		}
		pos += len(raw) + 1
	}
	return decl, errs
}

func parseParam(raw string) (kernelParam, string) {
	fields := strings.Fields(strings.ReplaceAll(raw, "*", " * "))
	if len(fields) < 2 {
		return kernelParam{}, fmt.Sprintf("expected parameter declarator in '%s'", strings.TrimSpace(raw))
	}
	name := fields[len(fields)-1]
	if !identifierPattern.MatchString(name) {
		return kernelParam{}, fmt.Sprintf("expected identifier, found '%s'", name)
	}

	var global bool
	var pointers int
	var base string
	for _, f := range fields[:len(fields)-1] {
		switch {
		case addressSpaceGlobal[f]:
			global = true
		case ignoredQualifiers[f]:
		case f == "*":
			pointers++
		case f == "float" || f == "int":
			if base != "" {
				return kernelParam{}, fmt.Sprintf("cannot combine with previous '%s' declaration specifier", base)
			}
			base = f
		default:
			return kernelParam{}, fmt.Sprintf("unknown type name '%s'", f)
		}
	}

	switch {
	case base == "":
		return kernelParam{}, fmt.Sprintf("type specifier missing for parameter '%s'", name)
	case pointers > 1:
		return kernelParam{}, fmt.Sprintf("kernel parameter '%s' cannot be a pointer to a pointer", name)
	case pointers == 1 && !global:
		return kernelParam{}, fmt.Sprintf("pointer parameter '%s' must be declared in the __global address space", name)
	case pointers == 0 && global:
		return kernelParam{}, fmt.Sprintf("parameter '%s' may not be qualified with an address space", name)
	case pointers == 1 && base == "float":
		return kernelParam{Name: name, Kind: paramGlobalFloatPtr}, ""
	case pointers == 0 && base == "int":
		return kernelParam{Name: name, Kind: paramInt}, ""
	default:
		return kernelParam{}, fmt.Sprintf("parameter type of '%s' is not supported by the host device", name)
	}
}

func checkHostImplementation(decl kernelDecl) string {
	impl, ok := hostKernels[decl.Name]
	if !ok {
		return fmt.Sprintf("kernel function '%s' is not supported by the host device", decl.Name)
	}
	if len(impl.params) != len(decl.Params) {
		return fmt.Sprintf("conflicting types for '%s': host device expects %d parameters, found %d", decl.Name, len(impl.params), len(decl.Params))
	}
	for i, kind := range impl.params {
		if decl.Params[i].Kind != kind {
			return fmt.Sprintf("conflicting types for '%s': parameter %d ('%s') must be '%s'", decl.Name, i, decl.Params[i].Name, kind)
		}
	}
	return ""
}

// stripComments blanks out comments, keeping offsets and newlines intact.
func stripComments(source string) (string, []compileError) {
	out := []byte(source)
	for i := 0; i < len(out); i++ {
		if out[i] != '/' || i+1 >= len(out) {
			continue
		}
		switch out[i+1] {
		case '/':
			for ; i < len(out) && out[i] != '\n'; i++ {
				out[i] = ' '
			}
		case '*':
			start := i
			end := strings.Index(source[i+2:], "*/")
			if end < 0 {
				return string(out), []compileError{{offset: start, msg: "unterminated /* comment"}}
			}
			stop := i + 2 + end + 2
			for ; i < stop; i++ {
				if out[i] != '\n' {
					out[i] = ' '
				}
			}
			i--
		}
	}
	return string(out), nil
}

var closers = map[byte]byte{')': '(', '}': '{', ']': '['}

// checkBalance reports unmatched brackets.
func checkBalance(code string) []compileError {
	type open struct {
		ch     byte
		offset int
	}
	var stack []open
	for i := 0; i < len(code); i++ {
		switch ch := code[i]; ch {
		case '(', '{', '[':
			stack = append(stack, open{ch, i})
		case ')', '}', ']':
			if len(stack) == 0 || stack[len(stack)-1].ch != closers[ch] {
				return []compileError{{offset: i, msg: fmt.Sprintf("extraneous closing '%c'", ch)}}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return []compileError{{offset: top.offset, msg: fmt.Sprintf("unmatched '%c'", top.ch)}}
	}
	return nil
}

type hostProgram struct {
	context *hostContext
	name    string
	source  string

	mu      sync.Mutex
	built   bool
	log     string
	kernels map[string]kernelDecl
}

func (p *hostProgram) Build(options string) error {
	if err := p.context.checkAlive("clBuildProgram"); err != nil {
		return err
	}
	decls, log, err := compileHostProgram(p.name, p.source)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = log
	if err != nil {
		p.built = false
		return newStatusError("clBuildProgram", StatusBuildProgramFailure, "%v", err)
	}
	p.kernels = decls
	p.built = true
	p.context.backend.logger.Debug("Built host program")
	return nil
}

func (p *hostProgram) BuildLog() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

func (p *hostProgram) CreateKernel(name string) (Kernel, error) {
	const op = "clCreateKernel"
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built {
		return nil, newStatusError(op, StatusInvalidProgramExecutable, "program %s has not been built", p.name)
	}
	decl, ok := p.kernels[name]
	if !ok {
		return nil, newStatusError(op, StatusInvalidKernelName, "no kernel named %q in %s", name, p.name)
	}
	return &hostKernel{
		program: p,
		decl:    decl,
		impl:    hostKernels[name],
		args:    make([]any, len(decl.Params)),
		set:     make([]bool, len(decl.Params)),
	}, nil
}

func (p *hostProgram) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.built = false
	p.kernels = nil
	return nil
}

type hostKernel struct {
	program *hostProgram
	decl    kernelDecl
	impl    hostKernelImpl

	mu   sync.Mutex
	args []any
	set  []bool
}

func (k *hostKernel) Name() string {
	return k.decl.Name
}

func (k *hostKernel) NumArgs() int {
	return len(k.decl.Params)
}

func (k *hostKernel) SetArg(index int, value any) error {
	const op = "clSetKernelArg"
	k.mu.Lock()
	defer k.mu.Unlock()

	if index < 0 || index >= len(k.decl.Params) {
		return newStatusError(op, StatusInvalidArgIndex, "kernel %s has %d arguments, got index %d", k.decl.Name, len(k.decl.Params), index)
	}
	param := k.decl.Params[index]
	switch param.Kind {
	case paramGlobalFloatPtr:
		buf, ok := value.(*hostBuffer)
		if !ok {
			return newStatusError(op, StatusInvalidMemObject, "argument %d (%s) expects a buffer, got %T", index, param.Name, value)
		}
		if buf.context != k.program.context {
			return newStatusError(op, StatusInvalidMemObject, "argument %d (%s) belongs to another context", index, param.Name)
		}
		if buf.storage() == nil {
			return newStatusError(op, StatusInvalidMemObject, "argument %d (%s) has been released", index, param.Name)
		}
	case paramInt:
		if _, ok := value.(int32); !ok {
			return newStatusError(op, StatusInvalidArgSize, "argument %d (%s) expects int32, got %T", index, param.Name, value)
		}
	}
	k.args[index] = value
	k.set[index] = true
	return nil
}

// bind snapshots the current arguments into a work-item function.
func (k *hostKernel) bind() (workItemFunc, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, ok := range k.set {
		if !ok {
			return nil, newStatusError("clEnqueueNDRangeKernel", StatusInvalidKernelArgs, "argument %d (%s) of %s is not set", i, k.decl.Params[i].Name, k.decl.Name)
		}
	}
	args := make([]any, len(k.args))
	copy(args, k.args)
	return k.impl.bind(args)
}

func (k *hostKernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.args {
		k.args[i] = nil
		k.set[i] = false
	}
	return nil
}
