// Package main implements the CLI client for the group zero metadata service.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/group0-lab/internal/catalog"
	metadatagrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/metadata"
)

const usage = `Usage:
  client [--addr host:port[,host:port,...]] keyspace create <name> [--replication k=v,...] [--durable] [--if-not-exists]
  client [--addr ...] keyspace drop <name> [--if-exists]
  client [--addr ...] keyspace list
  client [--addr ...] table create <keyspace> <name> --col name:type[:kind] ... [--comment text] [--if-not-exists]
  client [--addr ...] table drop <keyspace> <name> [--if-exists]
  client [--addr ...] type create <keyspace> <name> --field name:type ... [--if-not-exists]
  client [--addr ...] type drop <keyspace> <name> [--if-exists]
  client [--addr ...] describe <keyspace>
  client [--addr ...] get <key>
  client [--addr ...] local-get <key>
  client [--addr ...] put <key> <value> [--if <expected>]
  client [--addr ...] put-batch [--in <file|->]
  client [--addr ...] leader
  client [--addr host:port] history [--limit n]
  client [--addr host:port] snapshot list|take|load <id>|drop <id>|transfer <id> <dest>
  client [--addr host:port] raft-snapshot
  client [--addr host:port[,host:port,...]] admin

When multiple addresses are provided:
  - schema changes, get and put find the leader automatically
  - keyspace list, describe and local-get read from a random replica
  - history, snapshot and raft-snapshot talk to the first address only
  - admin polls every node and renders a live table

Column kinds: partition_key (default for the first column), clustering,
regular (default), static.

Flags:
  --addr     Comma-separated gRPC addresses
  --timeout  Request timeout (default 5s)
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s %v\n", styles.errorDot.Render("error:"), err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "localhost:8080", "comma-separated gRPC addresses")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("subcommand required")
	}

	addrs := splitAddrs(*addr)
	if len(addrs) == 0 {
		return fmt.Errorf("at least one address is required")
	}

	switch args[0] {
	case "history", "snapshot", "raft-snapshot":
		return runAdminCommand(addrs[0], *timeout, args)
	case "admin":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin")
		}
		return cmdAdmin(addrs, *timeout)
	}

	client, err := metadatagrpc.DialCluster(addrs, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if args[0] == "put-batch" {
		fs := flag.NewFlagSet("put-batch", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		inPath := fs.String("in", "-", "TSV input path (key<TAB>value), use - for stdin")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 0 {
			return fmt.Errorf("usage: put-batch [--in <file|->]")
		}
		return cmdPutBatch(client, *timeout, *inPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	err = dispatch(ctx, client, args)
	if errors.Is(err, metadatagrpc.ErrNoLeader) {
		return fmt.Errorf("no leader available, cluster may be degraded")
	}
	return err
}

func dispatch(ctx context.Context, c *metadatagrpc.ClusterClient, args []string) error {
	switch args[0] {
	case "keyspace":
		return cmdKeyspace(ctx, c, args[1:])
	case "table":
		return cmdTable(ctx, c, args[1:])
	case "type":
		return cmdType(ctx, c, args[1:])
	case "describe":
		if len(args) != 2 {
			return fmt.Errorf("usage: describe <keyspace>")
		}
		return cmdDescribe(ctx, c, args[1])
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		return cmdGet(ctx, c, args[1])
	case "local-get":
		if len(args) != 2 {
			return fmt.Errorf("usage: local-get <key>")
		}
		value, found, err := c.LocalGet(ctx, args[1])
		if err != nil {
			return err
		}
		printValue(args[1], value, found)
		return nil
	case "put":
		return cmdPut(ctx, c, args[1:])
	case "leader":
		if len(args) != 1 {
			return fmt.Errorf("usage: leader")
		}
		info, err := c.Leader(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", styles.nodeLead.Render(info.ID), styles.addr.Render(info.Addr))
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func cmdKeyspace(ctx context.Context, c *metadatagrpc.ClusterClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: keyspace create|drop|list")
	}
	switch args[0] {
	case "list":
		list, err := c.ListKeyspaces(ctx)
		if err != nil {
			return err
		}
		for _, ks := range list {
			fmt.Printf("%s %s\n", styles.nodeNorm.Render(ks.Name), styles.sumDim.Render(formatReplication(ks.Replication)))
		}
		return nil

	case "create":
		fs := flag.NewFlagSet("keyspace create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		replication := fs.String("replication", "class=SimpleStrategy,replication_factor=1", "comma-separated k=v replication options")
		durable := fs.Bool("durable", true, "durable writes")
		ifNotExists := fs.Bool("if-not-exists", false, "succeed when the keyspace exists")
		name, err := leadingArgs(fs, args[1:], 1)
		if err != nil {
			return fmt.Errorf("usage: keyspace create <name> [--replication k=v,...] [--durable] [--if-not-exists]")
		}
		opts, err := parseKV(*replication)
		if err != nil {
			return err
		}
		ks := catalog.Keyspace{Name: name[0], Replication: opts, DurableWrites: *durable}
		return applySchema(ctx, c, metadatagrpc.SchemaStatement{
			Op: metadatagrpc.OpCreateKeyspace, Keyspace: &ks, IfExists: *ifNotExists,
		})

	case "drop":
		fs := flag.NewFlagSet("keyspace drop", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		ifExists := fs.Bool("if-exists", false, "succeed when the keyspace is missing")
		name, err := leadingArgs(fs, args[1:], 1)
		if err != nil {
			return fmt.Errorf("usage: keyspace drop <name> [--if-exists]")
		}
		return applySchema(ctx, c, metadatagrpc.SchemaStatement{
			Op: metadatagrpc.OpDropKeyspace, KeyspaceName: name[0], IfExists: *ifExists,
		})
	}
	return fmt.Errorf("unknown keyspace command %q", args[0])
}

func cmdTable(ctx context.Context, c *metadatagrpc.ClusterClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: table create|drop")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("table create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var cols []string
		fs.Func("col", "column as name:type[:kind], repeatable", func(v string) error {
			cols = append(cols, v)
			return nil
		})
		comment := fs.String("comment", "", "table comment")
		ifNotExists := fs.Bool("if-not-exists", false, "succeed when the table exists")
		names, err := leadingArgs(fs, args[1:], 2)
		if err != nil {
			return fmt.Errorf("usage: table create <keyspace> <name> --col name:type[:kind] ... [--comment text] [--if-not-exists]")
		}
		columns, err := parseColumns(cols)
		if err != nil {
			return err
		}
		t := catalog.Table{Keyspace: names[0], Name: names[1], Columns: columns, Comment: *comment}
		return applySchema(ctx, c, metadatagrpc.SchemaStatement{
			Op: metadatagrpc.OpCreateTable, Table: &t, IfExists: *ifNotExists,
		})

	case "drop":
		fs := flag.NewFlagSet("table drop", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		ifExists := fs.Bool("if-exists", false, "succeed when the table is missing")
		names, err := leadingArgs(fs, args[1:], 2)
		if err != nil {
			return fmt.Errorf("usage: table drop <keyspace> <name> [--if-exists]")
		}
		return applySchema(ctx, c, metadatagrpc.SchemaStatement{
			Op: metadatagrpc.OpDropTable, KeyspaceName: names[0], Name: names[1], IfExists: *ifExists,
		})
	}
	return fmt.Errorf("unknown table command %q", args[0])
}

func cmdType(ctx context.Context, c *metadatagrpc.ClusterClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: type create|drop")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("type create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var fields []catalog.Field
		fs.Func("field", "field as name:type, repeatable", func(v string) error {
			name, typ, ok := strings.Cut(v, ":")
			if !ok || name == "" || typ == "" {
				return fmt.Errorf("invalid field %q", v)
			}
			fields = append(fields, catalog.Field{Name: name, Type: typ})
			return nil
		})
		ifNotExists := fs.Bool("if-not-exists", false, "succeed when the type exists")
		names, err := leadingArgs(fs, args[1:], 2)
		if err != nil {
			return fmt.Errorf("usage: type create <keyspace> <name> --field name:type ... [--if-not-exists]")
		}
		ut := catalog.UserType{Keyspace: names[0], Name: names[1], Fields: fields}
		return applySchema(ctx, c, metadatagrpc.SchemaStatement{
			Op: metadatagrpc.OpCreateType, Type: &ut, IfExists: *ifNotExists,
		})

	case "drop":
		fs := flag.NewFlagSet("type drop", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		ifExists := fs.Bool("if-exists", false, "succeed when the type is missing")
		names, err := leadingArgs(fs, args[1:], 2)
		if err != nil {
			return fmt.Errorf("usage: type drop <keyspace> <name> [--if-exists]")
		}
		return applySchema(ctx, c, metadatagrpc.SchemaStatement{
			Op: metadatagrpc.OpDropType, KeyspaceName: names[0], Name: names[1], IfExists: *ifExists,
		})
	}
	return fmt.Errorf("unknown type command %q", args[0])
}

func applySchema(ctx context.Context, c *metadatagrpc.ClusterClient, st metadatagrpc.SchemaStatement) error {
	resp, err := c.ApplySchema(ctx, st)
	if err != nil {
		return err
	}
	if !resp.Changed {
		fmt.Println(styles.sumDim.Render("ok (no change)"))
		return nil
	}
	fmt.Printf("%s %s\n", styles.sumHealthy.Render("ok"), styles.termVal.Render(resp.StateID))
	return nil
}

func cmdDescribe(ctx context.Context, c *metadatagrpc.ClusterClient, name string) error {
	d, err := c.Describe(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s durable_writes=%t\n",
		styles.appHeader.Render("keyspace "+d.Keyspace.Name),
		styles.sumDim.Render(formatReplication(d.Keyspace.Replication)),
		d.Keyspace.DurableWrites,
	)
	for _, ut := range d.Types {
		parts := make([]string, 0, len(ut.Fields))
		for _, f := range ut.Fields {
			parts = append(parts, f.Name+" "+f.Type)
		}
		fmt.Printf("  %s %s (%s)\n", styles.peerLabel.Render("type"), styles.nodeNorm.Render(ut.Name), strings.Join(parts, ", "))
	}
	for _, t := range d.Tables {
		fmt.Printf("  %s %s %s\n", styles.peerLabel.Render("table"), styles.nodeNorm.Render(t.Name), styles.sumDim.Render(t.ID))
		for _, col := range t.Columns {
			fmt.Printf("    %-20s %-16s %s\n", col.Name, col.Type, styles.sumDim.Render(string(col.Kind)))
		}
		if t.Comment != "" {
			fmt.Printf("    %s\n", styles.sumDim.Render("-- "+t.Comment))
		}
	}
	return nil
}

func cmdGet(ctx context.Context, c *metadatagrpc.ClusterClient, key string) error {
	res, err := c.BroadcastGet(ctx, key)
	if err != nil {
		return err
	}
	printValue(key, res.Value, res.Found)
	return nil
}

func cmdPut(ctx context.Context, c *metadatagrpc.ClusterClient, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var cond *string
	fs.Func("if", "apply only when the current value equals this", func(v string) error {
		cond = &v
		return nil
	})
	kv, err := leadingArgs(fs, args, 2)
	if err != nil {
		return fmt.Errorf("usage: put <key> <value> [--if <expected>]")
	}
	res, err := c.BroadcastPut(ctx, kv[0], kv[1], cond)
	if err != nil {
		return err
	}
	if cond == nil {
		fmt.Println(styles.sumHealthy.Render("ok"))
		return nil
	}
	if res.Applied {
		fmt.Printf("%s previous=%q\n", styles.sumHealthy.Render("applied"), res.Previous)
		return nil
	}
	fmt.Printf("%s current=%q\n", styles.sumErrors.Render("not applied"), res.Previous)
	return nil
}

func cmdPutBatch(c *metadatagrpc.ClusterClient, timeout time.Duration, inPath string) error {
	var (
		r   io.Reader = os.Stdin
		f   *os.File
		err error
	)
	if inPath != "-" {
		// #nosec G304 -- CLI intentionally reads a user-provided local input file.
		f, err = os.Open(inPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	scanner := bufio.NewScanner(r)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq++
		key, value, ok := strings.Cut(line, "\t")
		if !ok {
			fmt.Printf("err\t%d\t0\t\tinvalid_tsv_line\n", seq)
			continue
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, putErr := c.BroadcastPut(ctx, key, value, nil)
		cancel()
		ms := time.Since(start).Milliseconds()

		switch {
		case putErr == nil:
			fmt.Printf("ok\t%d\t%d\t%s\n", seq, ms, key)
		case errors.Is(putErr, context.DeadlineExceeded), status.Code(putErr) == codes.DeadlineExceeded:
			fmt.Printf("timeout\t%d\t%d\t%s\t%s\n", seq, ms, key, oneLineErr(putErr))
		default:
			fmt.Printf("err\t%d\t%d\t%s\t%s\n", seq, ms, key, oneLineErr(putErr))
		}
	}
	return scanner.Err()
}

func printValue(key, value string, found bool) {
	if !found {
		fmt.Printf("%s %s\n", styles.sumDim.Render("(not found)"), key)
		return
	}
	fmt.Printf("%s = %s\n", key, value)
}

// leadingArgs splits args into n positional arguments followed by flags, the
// order the usage strings document.
func leadingArgs(fs *flag.FlagSet, args []string, n int) ([]string, error) {
	if len(args) < n {
		return nil, fmt.Errorf("want %d arguments", n)
	}
	for _, a := range args[:n] {
		if strings.HasPrefix(a, "-") {
			return nil, fmt.Errorf("want %d arguments", n)
		}
	}
	if err := fs.Parse(args[n:]); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return args[:n], nil
}

func parseColumns(specs []string) ([]catalog.Column, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --col is required")
	}
	out := make([]catalog.Column, 0, len(specs))
	for i, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid column %q", s)
		}
		kind := catalog.Regular
		if i == 0 {
			kind = catalog.PartitionKey
		}
		if len(parts) == 3 {
			kind = catalog.ColumnKind(parts[2])
		}
		out = append(out, catalog.Column{Name: parts[0], Type: parts[1], Kind: kind})
	}
	return out, nil
}

func parseKV(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range splitAddrs(raw) {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func formatReplication(opts map[string]string) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+opts[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func oneLineErr(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

func splitAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
