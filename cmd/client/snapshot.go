package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	admingrpc "github.com/i-melnichenko/group0-lab/internal/transport/grpc/admin"
)

// runAdminCommand runs the single-node operator commands: history, snapshot
// and raft-snapshot.
func runAdminCommand(addr string, timeout time.Duration, args []string) error {
	client, err := admingrpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "history":
		fs := flag.NewFlagSet("history", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		limit := fs.Int("limit", 20, "number of entries, newest first")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 0 {
			return fmt.Errorf("usage: history [--limit n]")
		}
		return cmdHistory(ctx, client, *limit)

	case "raft-snapshot":
		if len(args) != 1 {
			return fmt.Errorf("usage: raft-snapshot")
		}
		if err := client.RaftSnapshot(ctx); err != nil {
			return err
		}
		fmt.Println(styles.sumHealthy.Render("ok"))
		return nil

	case "snapshot":
		return cmdSnapshot(ctx, client, args[1:])
	}
	return fmt.Errorf("unknown subcommand %q", args[0])
}

func cmdHistory(ctx context.Context, c *admingrpc.Client, limit int) error {
	entries, err := c.History(ctx, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s %s %s\n",
			styles.tsStyle.Render(str(e["time"])),
			styles.termVal.Render(str(e["state_id"])),
			str(e["description"]),
		)
	}
	return nil
}

func cmdSnapshot(ctx context.Context, c *admingrpc.Client, args []string) error {
	const snapshotUsage = "usage: snapshot list|take|load <id>|drop <id>|transfer <id> <dest>"
	if len(args) == 0 {
		return errors.New(snapshotUsage)
	}

	switch {
	case args[0] == "list" && len(args) == 1:
		list, err := c.Snapshots(ctx)
		if err != nil {
			return err
		}
		for _, d := range list {
			printSnapshot(d)
		}
		return nil

	case args[0] == "take" && len(args) == 1:
		d, err := c.TakeSnapshot(ctx)
		if err != nil {
			return err
		}
		printSnapshot(d)
		return nil

	case args[0] == "load" && len(args) == 2:
		err := c.LoadSnapshot(ctx, args[1])
		return okOrErr(err)

	case args[0] == "drop" && len(args) == 2:
		err := c.DropSnapshot(ctx, args[1])
		return okOrErr(err)

	case args[0] == "transfer" && len(args) == 3:
		err := c.TransferSnapshot(ctx, args[1], args[2])
		return okOrErr(err)
	}
	return errors.New(snapshotUsage)
}

func printSnapshot(d map[string]any) {
	fmt.Printf("%s %s %s\n",
		styles.nodeLead.Render(str(d["id"])),
		styles.termVal.Render(str(d["state_id"])),
		styles.tsStyle.Render(str(d["taken_at"])),
	)
}

func okOrErr(err error) error {
	if err != nil {
		return err
	}
	fmt.Println(styles.sumHealthy.Render("ok"))
	return nil
}
