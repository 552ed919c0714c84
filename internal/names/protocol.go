package names

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/portmesh/internal/bottle"
	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/wire"
)

// ProtocolVersion is reported by the version command.
const ProtocolVersion = "portmesh-0.1.0"

const commandPrefix = "NAME_SERVER"

// Command is one parsed name server request.
type Command struct {
	Verb string
	Args []string
}

// ParseCommandLine splits a text request on blanks and quotes. A leading
// NAME_SERVER word is dropped.
func ParseCommandLine(line string) Command {
	words := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == '"'
	})
	if len(words) > 0 && words[0] == commandPrefix {
		words = words[1:]
	}
	if len(words) == 0 {
		return Command{}
	}
	return Command{Verb: words[0], Args: words[1:]}
}

// ReadCommand decodes a binary request list. Its method tag is read in
// get-mode, so ("get" "port" "/x") arrives as verb "get_port".
func ReadCommand(r *wire.Reader) (Command, error) {
	tr := wire.NewTagReader(r, "get")
	tag, err := tr.ReadTag()
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Verb: tag}
	if verb, rest, ok := strings.Cut(tag, "_"); ok && verb == "get" {
		cmd = Command{Verb: verb, Args: []string{rest}}
	}
	for tr.Remaining() > 0 {
		v, err := bottle.ReadValue(r)
		if err != nil {
			return Command{}, err
		}
		if v.IsWord() {
			cmd.Args = append(cmd.Args, v.AsString())
		} else {
			cmd.Args = append(cmd.Args, v.String())
		}
	}
	return cmd, tr.Done()
}

// Text renders the command as a request line.
func (c Command) Text() string {
	return strings.TrimSpace(commandPrefix + " " + c.Verb + " " + strings.Join(c.Args, " "))
}

// Dispatcher executes commands against a registry and renders replies in the
// name server's line format, terminated by carrier.EndOfMessage.
type Dispatcher struct {
	reg *Registry
}

func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

type handler func(ctx context.Context, args []string, remoteHost string) string

func (d *Dispatcher) handlers() map[string]handler {
	return map[string]handler{
		"register":   d.register,
		"unregister": d.unregister,
		"query":      d.query,
		"list":       d.list,
		"set":        d.set,
		"get":        d.get,
		"check":      d.check,
		"help":       d.help,
		"version":    d.version,
		"gc":         d.gc,
	}
}

// Apply runs cmd. remoteHost fills in a register request that leaves the
// host to the server.
func (d *Dispatcher) Apply(ctx context.Context, cmd Command, remoteHost string) string {
	if cmd.Verb == "" {
		return terminate("no command given\n")
	}
	// get-mode alias: "get port /x" is a query.
	if cmd.Verb == "get" && len(cmd.Args) == 2 && cmd.Args[0] == "port" {
		return d.query(ctx, cmd.Args[1:], remoteHost)
	}
	h, ok := d.handlers()[cmd.Verb]
	if !ok {
		return terminate("unknown command " + cmd.Text() + "\n")
	}
	return h(ctx, cmd.Args, remoteHost)
}

func terminate(s string) string {
	return s + carrier.EndOfMessage
}

// Textify renders one registration line, or "" for an empty contact.
func Textify(c contact.Contact) string {
	if !c.IsValid() {
		return ""
	}
	return fmt.Sprintf("registration name %s ip %s port %d type %s\n", c.Name, c.Host, c.Port, c.Carrier)
}

// ParseRegistration reads a line produced by Textify.
func ParseRegistration(line string) (contact.Contact, bool) {
	f := strings.Fields(line)
	if len(f) != 9 || f[0] != "registration" || f[1] != "name" || f[3] != "ip" || f[5] != "port" || f[7] != "type" {
		return contact.Contact{}, false
	}
	port, err := strconv.Atoi(f[6])
	if err != nil {
		return contact.Contact{}, false
	}
	return contact.New(f[2], f[8], f[4], port), true
}

func (d *Dispatcher) register(ctx context.Context, args []string, remoteHost string) string {
	if len(args) < 1 {
		return terminate("need at least one argument\n")
	}
	hint := contact.Contact{}
	if len(args) >= 2 && args[1] != Anonymous {
		hint.Carrier = args[1]
	}
	if len(args) >= 3 && args[2] != Anonymous {
		hint.Host = args[2]
	} else if remoteHost != "" {
		hint.Host = remoteHost
	}
	if len(args) >= 4 && args[3] != Anonymous {
		port, err := strconv.Atoi(args[3])
		if err != nil {
			return terminate("bad port number " + args[3] + "\n")
		}
		hint.Port = port
	}
	c, err := d.reg.Register(ctx, args[0], hint)
	if err != nil {
		return terminate(err.Error() + "\n")
	}
	return terminate(Textify(c))
}

func (d *Dispatcher) unregister(ctx context.Context, args []string, _ string) string {
	if len(args) < 1 {
		return terminate("need at least one argument\n")
	}
	c, err := d.reg.Remove(ctx, args[0])
	if err != nil {
		return terminate("")
	}
	return terminate(Textify(c))
}

func (d *Dispatcher) query(ctx context.Context, args []string, _ string) string {
	if len(args) < 1 {
		return terminate("need at least one argument\n")
	}
	c, err := d.reg.Query(ctx, args[0])
	if err != nil {
		return terminate("")
	}
	return terminate(Textify(c))
}

func (d *Dispatcher) list(context.Context, []string, string) string {
	var b strings.Builder
	for _, rec := range d.reg.List() {
		b.WriteString(Textify(rec.Contact))
	}
	return terminate(b.String())
}

func propertyLine(name, key string, values []string) string {
	return fmt.Sprintf("port %s property %s = %s\n", name, key, strings.Join(values, " "))
}

func (d *Dispatcher) set(ctx context.Context, args []string, _ string) string {
	if len(args) < 2 {
		return terminate("need at least two arguments: the port name, and a key\n")
	}
	if err := d.reg.Set(ctx, args[0], args[1], args[2:]...); err != nil {
		return terminate(err.Error() + "\n")
	}
	values, _ := d.reg.Get(args[0], args[1])
	return terminate(propertyLine(args[0], args[1], values))
}

func (d *Dispatcher) get(_ context.Context, args []string, _ string) string {
	if len(args) != 2 {
		return terminate("need exactly two arguments: the port name, and a key\n")
	}
	values, err := d.reg.Get(args[0], args[1])
	if err != nil {
		return terminate(err.Error() + "\n")
	}
	return terminate(propertyLine(args[0], args[1], values))
}

func (d *Dispatcher) check(_ context.Context, args []string, _ string) string {
	if len(args) < 2 {
		return terminate("need at least two arguments: the port name, and a key\n")
	}
	values, err := d.reg.Get(args[0], args[1])
	if err != nil {
		return terminate(err.Error() + "\n")
	}
	have := make(map[string]bool, len(values))
	for _, v := range values {
		have[v] = true
	}
	var b strings.Builder
	for _, v := range args[2:] {
		fmt.Fprintf(&b, "port %s property %s value %s present %t\n", args[0], args[1], v, have[v])
	}
	return terminate(b.String())
}

func (d *Dispatcher) help(context.Context, []string, string) string {
	verbs := make([]string, 0, len(d.handlers()))
	for v := range d.handlers() {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	var b strings.Builder
	b.WriteString("Here are some ways to use the name server:\n")
	b.WriteString("+ register $portname\n")
	b.WriteString("+ register $portname $carrier $ipAddress $portNumber\n")
	b.WriteString("  (if you want a field set automatically, write '...')\n")
	b.WriteString("+ unregister $portname\n")
	b.WriteString("+ query $portname (or: get port $portname)\n")
	b.WriteString("+ set $portname $property $value\n")
	b.WriteString("+ get $portname $property\n")
	b.WriteString("+ check $portname $property $value\n")
	b.WriteString("commands: " + strings.Join(verbs, " ") + "\n")
	return terminate(b.String())
}

func (d *Dispatcher) version(context.Context, []string, string) string {
	return terminate("version " + ProtocolVersion + "\n")
}

func (d *Dispatcher) gc(context.Context, []string, string) string {
	return terminate("No cleaning done.\n")
}
