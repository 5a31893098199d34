// ABOUTME: Admin CLI for devicelockd policy and state inspection
// ABOUTME: Operates directly on the daemon's store; run on-device as root

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/halcyonos/devicelock/internal/config"
	"github.com/halcyonos/devicelock/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus()
	case "policy":
		err = cmdPolicy(args)
	case "attempts":
		err = cmdAttempts(args)
	case "fingerprints":
		err = cmdFingerprints(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: devicelock-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                       Show lock and credential status")
	fmt.Println("  policy show                  Show the current policy")
	fmt.Println("  policy set <key> <value>     Update one policy field")
	fmt.Println("  attempts show                Show attempt counters")
	fmt.Println("  attempts reset [kind]        Reset attempt counters")
	fmt.Println("  fingerprints list            List enrolled fingerprints")
	fmt.Println("  fingerprints remove <id>     Remove an enrolled fingerprint")
	fmt.Println()
	fmt.Println("Policy keys: maximum_attempts, minimum_length, maximum_length,")
	fmt.Println("  code_generation (none|optional|mandatory), maximum_age_days,")
	fmt.Println("  history_length, automatic_locking (duration or 'off'),")
	fmt.Println("  input_is_keyboard (true|false), manager_lock (''|recoverable|permanent)")
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

func cmdStatus() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	for _, kind := range []string{store.KindSecurity, store.KindEncryption} {
		cyan.Printf("%s:\n", kind)

		cred, err := st.Credential(ctx, kind)
		switch {
		case errors.Is(err, store.ErrNotFound):
			yellow.Println("  no code set")
		case err != nil:
			return err
		default:
			green.Printf("  code set %s\n", cred.SetAt.Format(time.RFC3339))
		}

		attempts, err := st.Attempts(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Printf("  failed attempts: %d\n", attempts)
	}

	policy, err := st.Policy(ctx)
	if err != nil {
		return err
	}
	if policy.ManagerLock != "" {
		yellow.Printf("manager lock: %s\n", policy.ManagerLock)
	}
	return nil
}

func cmdPolicy(args []string) error {
	if len(args) == 0 {
		args = []string{"show"}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	switch args[0] {
	case "show":
		policy, err := st.Policy(ctx)
		if err != nil {
			return err
		}
		printPolicy(policy)
		return nil

	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: policy set <key> <value>")
		}
		policy, err := st.Policy(ctx)
		if err != nil {
			return err
		}
		if err := applyPolicyField(&policy, args[1], args[2]); err != nil {
			return err
		}
		if err := st.UpdatePolicy(ctx, policy); err != nil {
			return err
		}
		color.Green("updated %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown policy subcommand: %s", args[0])
	}
}

func printPolicy(p store.Policy) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "maximum_attempts\t%s\n", unboundedInt(p.MaximumAttempts))
	fmt.Fprintf(w, "minimum_length\t%d\n", p.MinimumLength)
	fmt.Fprintf(w, "maximum_length\t%d\n", p.MaximumLength)
	fmt.Fprintf(w, "code_generation\t%s\n", generationName(p.CodeGeneration))
	fmt.Fprintf(w, "maximum_age_days\t%s\n", unboundedInt(p.MaximumAgeDays))
	fmt.Fprintf(w, "history_length\t%d\n", p.HistoryLength)
	if p.AutomaticLocking < 0 {
		fmt.Fprintf(w, "automatic_locking\toff\n")
	} else {
		fmt.Fprintf(w, "automatic_locking\t%s\n", p.AutomaticLocking)
	}
	fmt.Fprintf(w, "input_is_keyboard\t%v\n", p.InputIsKeyboard)
	fmt.Fprintf(w, "manager_lock\t%q\n", p.ManagerLock)
	w.Flush()
}

func unboundedInt(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return strconv.Itoa(n)
}

func generationName(g store.CodeGeneration) string {
	switch g {
	case store.GenerationOptional:
		return "optional"
	case store.GenerationMandatory:
		return "mandatory"
	}
	return "none"
}

func applyPolicyField(p *store.Policy, key, value string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s wants an integer, got %q", key, value)
		}
		return n, nil
	}

	var err error
	switch key {
	case "maximum_attempts":
		p.MaximumAttempts, err = atoi()
	case "minimum_length":
		p.MinimumLength, err = atoi()
	case "maximum_length":
		p.MaximumLength, err = atoi()
	case "maximum_age_days":
		p.MaximumAgeDays, err = atoi()
	case "history_length":
		p.HistoryLength, err = atoi()
	case "code_generation":
		switch value {
		case "none":
			p.CodeGeneration = store.GenerationNone
		case "optional":
			p.CodeGeneration = store.GenerationOptional
		case "mandatory":
			p.CodeGeneration = store.GenerationMandatory
		default:
			return fmt.Errorf("code_generation wants none, optional, or mandatory")
		}
	case "automatic_locking":
		if value == "off" {
			p.AutomaticLocking = -1
			return nil
		}
		d, derr := time.ParseDuration(value)
		if derr != nil {
			return fmt.Errorf("automatic_locking wants a duration or 'off': %w", derr)
		}
		p.AutomaticLocking = d
	case "input_is_keyboard":
		p.InputIsKeyboard = value == "true"
	case "manager_lock":
		switch value {
		case "", "recoverable", "permanent":
			p.ManagerLock = value
		default:
			return fmt.Errorf("manager_lock wants '', recoverable, or permanent")
		}
	default:
		return fmt.Errorf("unknown policy key: %s", key)
	}
	return err
}

func cmdAttempts(args []string) error {
	if len(args) == 0 {
		args = []string{"show"}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	switch args[0] {
	case "show":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, kind := range []string{store.KindSecurity, store.KindEncryption} {
			n, err := st.Attempts(ctx, kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\n", kind, n)
		}
		return w.Flush()

	case "reset":
		kinds := []string{store.KindSecurity, store.KindEncryption}
		if len(args) > 1 {
			kinds = []string{args[1]}
		}
		for _, kind := range kinds {
			if err := st.SetAttempts(ctx, kind, 0); err != nil {
				return err
			}
			color.Green("reset %s attempts\n", kind)
		}
		return nil

	default:
		return fmt.Errorf("unknown attempts subcommand: %s", args[0])
	}
}

func cmdFingerprints(args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	switch args[0] {
	case "list":
		prints, err := st.ListFingerprints(ctx)
		if err != nil {
			return err
		}
		if len(prints) == 0 {
			fmt.Println("no fingerprints enrolled")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tACQUIRED")
		for _, fp := range prints {
			fmt.Fprintf(w, "%s\t%s\t%s\n", fp.ID, fp.Name, fp.AcquiredAt.Format(time.RFC3339))
		}
		return w.Flush()

	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: fingerprints remove <id>")
		}
		if err := st.RemoveFingerprint(ctx, args[1]); err != nil {
			return err
		}
		color.Green("removed %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown fingerprints subcommand: %s", args[0])
	}
}
