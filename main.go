// Command voting-core is the offline operator tool: it generates and inspects
// Paillier keys, verifies an election's audit chain and computes its tally
// directly against the configured store, without the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"voting-core/config"
	"voting-core/encryption"
	"voting-core/service"
)

const usage = `usage: voting-core <command> [arguments]

commands:
  keygen [-bits N] [-out FILE]          generate a deployment Paillier key
  pubkey [-key FILE]                    print the public key of a key file
  verify <election> [server flags]      verify an election's audit chain
  tally  <election> [server flags]      compute and print an election's tally
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "keygen":
		return keygen(rest, out)
	case "pubkey":
		return pubkey(rest, out)
	case "verify", "tally":
		if len(rest) == 0 {
			return fmt.Errorf("%s requires an election id", cmd)
		}
		vs, closeStore, err := openService(rest[1:])
		if err != nil {
			return err
		}
		defer closeStore()
		if cmd == "verify" {
			return verify(vs, rest[0], out)
		}
		return tally(vs, rest[0], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func keygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	bits := fs.Int("bits", encryption.MinKeyBits, "modulus size in bits")
	path := fs.String("out", "paillier.key", "key file to write")
	force := fs.Bool("force", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to replace it)", *path)
	}

	start := time.Now()
	sk, err := encryption.GenerateKey(nil, *bits)
	if err != nil {
		return err
	}
	if err := encryption.SaveKeyFile(*path, sk); err != nil {
		return err
	}
	info, err := os.Stat(*path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "generated %d-bit key %s in %s\n", sk.Public().KeySize(), sk.Public().KeyID(), time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "wrote %s (%s)\n", *path, humanize.Bytes(uint64(info.Size())))
	return nil
}

func pubkey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pubkey", flag.ContinueOnError)
	path := fs.String("key", "paillier.key", "key file to read")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sk, err := encryption.LoadKeyFile(*path)
	if err != nil {
		return err
	}
	pk := sk.Public()
	fmt.Fprintf(out, "key_id: %s\nbits:   %d\nn:      %s\ng:      %s\n", pk.KeyID(), pk.KeySize(), pk.N, pk.G)
	return nil
}

func openService(args []string) (*service.VotingService, func(), error) {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	cfg.SetupLogging()

	keys, err := cfg.OpenKeyRing()
	if err != nil {
		return nil, nil, err
	}
	signer, err := cfg.OpenSigner()
	if err != nil {
		return nil, nil, err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, nil, err
	}
	vs := service.NewVotingService(store, keys, signer, service.Options{TallyWorkers: cfg.TallyWorkers})
	return vs, func() { store.Close() }, nil
}

func verify(vs *service.VotingService, electionID string, out io.Writer) error {
	report, err := vs.VerifyAuditChain(context.Background(), electionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "election %s: %s records, checked %s\n", electionID, humanize.Comma(int64(report.Length)), humanize.Time(report.CheckedAt))
	if !report.Valid {
		fmt.Fprintf(out, "BROKEN at record %d: %s\n", report.BrokenAt, report.Reason)
		return report.Err()
	}
	fmt.Fprintf(out, "valid, head %s\nsigned by %s: %s\n", report.Head, report.Signer, report.Signature)
	return nil
}

func tally(vs *service.VotingService, electionID string, out io.Writer) error {
	start := time.Now()
	report, err := vs.ComputeTally(context.Background(), electionID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CANDIDATE\tVOTES")
	for _, c := range report.Counts {
		fmt.Fprintf(tw, "%d\t%s\n", c.CandidateID, humanize.BigComma(c.Votes))
	}
	tw.Flush()

	fmt.Fprintf(out, "\n%s ballots counted, %d excluded, computed in %s\n",
		humanize.Comma(int64(report.Counted)), len(report.Excluded), time.Since(start).Round(time.Millisecond))
	for _, ex := range report.Excluded {
		fmt.Fprintf(out, "  excluded %s: %s\n", ex.BallotID, ex.Reason)
	}
	if !report.Consistent {
		fmt.Fprintf(out, "WARNING: %s votes decrypted for %s ballots\n", humanize.BigComma(report.TotalVotes), humanize.Comma(int64(report.Counted)))
		if len(report.Anomalies) > 0 {
			fmt.Fprintf(out, "WARNING: impossible totals for candidates %v\n", report.Anomalies)
		}
	}
	fmt.Fprintf(out, "audit head %s\nsignature %s\n", report.AuditHead, report.Signature)
	return nil
}
