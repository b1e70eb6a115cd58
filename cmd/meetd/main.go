// meetd is the batch CLI for meet registration and race-day operations.
//
// It is the composition root: configuration, the SQLite handle, the
// logger and all services are wired here, and each subcommand maps to
// one core operation. Everything else stays in internal/ packages that
// never import each other's concrete wiring.
//
// Usage:
//
//	meetd [-config meetd.yaml] <command> [flags]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/shopspring/decimal"

	"github.com/ymatsuzawa/trackmeet/internal/config"
	"github.com/ymatsuzawa/trackmeet/internal/db"
	"github.com/ymatsuzawa/trackmeet/internal/entries"
	"github.com/ymatsuzawa/trackmeet/internal/heats"
	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
	"github.com/ymatsuzawa/trackmeet/internal/notify"
	"github.com/ymatsuzawa/trackmeet/internal/payments"
	"github.com/ymatsuzawa/trackmeet/internal/racetime"
	"github.com/ymatsuzawa/trackmeet/internal/reports"
	"github.com/ymatsuzawa/trackmeet/internal/roster"
)

// app bundles the shared dependencies every subcommand needs.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	entries  *entries.Service
	payments *payments.Service
	heats    *heats.Service
	reports  *reports.Builder
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel(cfg.LogLevel)}))

	conn, err := db.Open(cfg.DSN)
	if err != nil {
		log.Error("open database", "err", err)
		os.Exit(meeterr.ExitCode(err))
	}
	defer conn.Close()

	a := &app{
		cfg:      cfg,
		log:      log,
		entries:  &entries.Service{DB: conn},
		payments: &payments.Service{DB: conn, Notifier: &notify.LogNotifier{Log: log}, Log: log},
		heats:    &heats.Service{DB: conn, Log: log},
		reports:  &reports.Builder{DB: conn, Log: log},
	}

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := a.run(ctx, cmd, args); err != nil {
		log.Error(cmd+" failed", "err", err)
		os.Exit(meeterr.ExitCode(err))
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "import":
		return a.cmdImport(ctx, args)
	case "enter":
		return a.cmdEnter(ctx, args)
	case "build-group":
		return a.cmdBuildGroup(ctx, args)
	case "upload-receipt":
		return a.cmdUploadReceipt(ctx, args)
	case "approve":
		return a.cmdApprove(ctx, args)
	case "reject":
		return a.cmdReject(ctx, args)
	case "force-approve":
		return a.cmdForceApprove(ctx, args)
	case "generate":
		return a.cmdGenerate(ctx, args)
	case "generate-meet":
		return a.cmdGenerateMeet(ctx, args)
	case "assign-bibs":
		return a.cmdAssignBibs(ctx, args)
	case "startlist":
		return a.cmdStartList(ctx, args)
	case "meet-csv":
		return a.cmdMeetCSV(ctx, args)
	case "checkin":
		return a.cmdCheckIn(ctx, args)
	case "mark":
		return a.cmdMark(ctx, args)
	case "rollup":
		return a.cmdRollup(ctx, args)
	case "search":
		return a.cmdSearch(ctx, args)
	default:
		usage()
		return meeterr.New(meeterr.KindValidation, "unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: meetd [-config file] <command> [flags]

commands:
  import         parse a roster CSV and register athletes
  enter          register one athlete for a race
  build-group    bundle a user's pending entries for payment
  upload-receipt attach a transfer receipt to an entry group
  approve        approve a group's payment and confirm its entries
  reject         reject a payment with a reason
  force-approve  confirm a group without receipt verification
  generate       generate heats for one race
  generate-meet  cascade NCG races and generate all heats of a meet
  assign-bibs    number every assignment of a meet
  startlist      export the timing-system start list CSV
  meet-csv       export the full meet CSV
  checkin        check an athlete in at reception
  mark           set DNS / DNF / DQ on an assignment
  rollup         show per-heat check-in progress
  search         find athletes in finalized heats

run "meetd <command> -h" for the command's flags
`)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// printJSON writes one result object to stdout for scripting.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// writeOut writes report bytes to a file, or stdout when path is empty.
func writeOut(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return meeterr.Internal(err, "write output file")
	}
	return nil
}

func (a *app) cmdImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "roster CSV path")
	orgID := fs.String("org", "", "owning organization ID")
	userID := fs.String("user", "", "owning user ID")
	skipExisting := fs.Bool("skip-existing", false, "skip rows whose JAAF ID already exists")
	fs.Parse(args)
	if *file == "" {
		return meeterr.New(meeterr.KindValidation, "-file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return meeterr.Internal(err, "open roster file")
	}
	defer f.Close()

	im := &roster.Importer{DB: a.entries.DB, Owner: models.Owner{OrgID: *orgID, UserID: *userID}}
	parsed, err := im.ParseCSV(ctx, f)
	if err != nil {
		return err
	}
	imported, skipped, err := im.Import(ctx, parsed, *skipExisting)
	if err != nil {
		return err
	}

	for _, p := range skipped {
		for _, msg := range p.Errors {
			a.log.Warn("row skipped", "row", p.RowNum, "reason", msg)
		}
	}
	return printJSON(map[string]int{
		"imported": len(imported),
		"skipped":  len(skipped),
	})
}

func (a *app) cmdEnter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enter", flag.ExitOnError)
	athlete := fs.String("athlete", "", "athlete ID")
	race := fs.String("race", "", "race ID")
	user := fs.String("user", "", "registering user ID")
	declared := fs.String("time", "", `declared time, "M:SS.cc" or seconds`)
	pb := fs.String("pb", "", "personal best (optional)")
	note := fs.String("note", "", "free-form note")
	fs.Parse(args)

	declaredTime, err := racetime.ParseFlexible(*declared)
	if err != nil {
		return err
	}
	var personalBest decimal.NullDecimal
	if *pb != "" {
		d, err := racetime.ParseFlexible(*pb)
		if err != nil {
			return err
		}
		personalBest = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	entry, err := a.entries.Create(ctx, entries.CreateParams{
		AthleteID:    *athlete,
		RaceID:       *race,
		RegisteredBy: *user,
		DeclaredTime: declaredTime,
		PersonalBest: personalBest,
		Note:         *note,
	})
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func (a *app) cmdBuildGroup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build-group", flag.ExitOnError)
	user := fs.String("user", "", "registering user ID")
	meet := fs.String("meet", "", "meet ID")
	org := fs.String("org", "", "organization ID (optional)")
	fs.Parse(args)

	group, err := a.entries.BuildGroup(ctx, *user, *meet, *org)
	if err != nil {
		return err
	}
	return printJSON(group)
}

func (a *app) cmdUploadReceipt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload-receipt", flag.ExitOnError)
	group := fs.String("group", "", "entry group ID")
	ref := fs.String("ref", "", "receipt handle in the blob store")
	payer := fs.String("payer", "", "payer name on the transfer")
	fs.Parse(args)

	payment, err := a.payments.UploadReceipt(ctx, payments.UploadParams{
		GroupID:    *group,
		ReceiptRef: *ref,
		PayerName:  *payer,
	})
	if err != nil {
		return err
	}
	return printJSON(payment)
}

func (a *app) cmdApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	group := fs.String("group", "", "entry group ID")
	reviewer := fs.String("reviewer", "", "reviewing user ID")
	fs.Parse(args)

	return a.payments.Approve(ctx, *group, *reviewer)
}

func (a *app) cmdReject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	group := fs.String("group", "", "entry group ID")
	reviewer := fs.String("reviewer", "", "reviewing user ID")
	note := fs.String("note", "", "reason shown to the registrant")
	fs.Parse(args)

	return a.payments.Reject(ctx, *group, *reviewer, *note)
}

func (a *app) cmdForceApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("force-approve", flag.ExitOnError)
	group := fs.String("group", "", "entry group ID")
	reviewer := fs.String("reviewer", "", "reviewing user ID")
	note := fs.String("note", "", "audit note (required)")
	fs.Parse(args)

	return a.payments.ForceApprove(ctx, *group, *reviewer, *note)
}

func (a *app) cmdGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	race := fs.String("race", "", "race ID")
	regenerate := fs.Bool("regenerate", false, "replace existing heats")
	includePending := fs.Bool("include-pending", false, "seed unconfirmed entries too")
	heatCount := fs.Int("heats", 0, "explicit heat count (0 = derive from capacity)")
	force := fs.Bool("force", false, "regenerate even over finalized heats")
	fs.Parse(args)

	generated, err := a.heats.Generate(ctx, *race, heats.GenerateOptions{
		Regenerate:     *regenerate,
		IncludePending: *includePending,
		HeatCount:      *heatCount,
		Force:          *force,
	})
	if err != nil {
		return err
	}
	return printJSON(generated)
}

func (a *app) cmdGenerateMeet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate-meet", flag.ExitOnError)
	meet := fs.String("meet", "", "meet ID")
	regenerate := fs.Bool("regenerate", false, "replace existing heats")
	fs.Parse(args)

	summary, err := a.heats.GenerateMeet(ctx, *meet, *regenerate)
	if err != nil {
		return err
	}
	for _, re := range summary.Errors {
		a.log.Warn("race skipped", "race", re.RaceName, "err", re.Err)
	}
	return printJSON(summary)
}

func (a *app) cmdAssignBibs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("assign-bibs", flag.ExitOnError)
	meet := fs.String("meet", "", "meet ID")
	fs.Parse(args)

	summary, err := a.heats.AssignBibs(ctx, *meet)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func (a *app) cmdStartList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("startlist", flag.ExitOnError)
	race := fs.String("race", "", "race ID")
	out := fs.String("out", "", "output file (default stdout)")
	by := fs.String("by", "", "operator recorded in the emission log")
	fs.Parse(args)

	data, err := a.reports.StartListCSV(ctx, *race, *by)
	if err != nil {
		return err
	}
	return writeOut(*out, data)
}

func (a *app) cmdMeetCSV(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("meet-csv", flag.ExitOnError)
	meet := fs.String("meet", "", "meet ID")
	out := fs.String("out", "", "output file (default stdout)")
	by := fs.String("by", "", "operator recorded in the emission log")
	fs.Parse(args)

	data, err := a.reports.MeetCSV(ctx, *meet, *by)
	if err != nil {
		return err
	}
	return writeOut(*out, data)
}

func (a *app) cmdCheckIn(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkin", flag.ExitOnError)
	assignment := fs.String("assignment", "", "assignment ID")
	fs.Parse(args)

	already, err := a.heats.CheckIn(ctx, *assignment)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"already_checked_in": already})
}

func (a *app) cmdMark(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mark", flag.ExitOnError)
	assignment := fs.String("assignment", "", "assignment ID")
	status := fs.String("status", "", "dns, dnf or dq")
	fs.Parse(args)

	return a.heats.Mark(ctx, *assignment, models.AssignmentStatus(*status))
}

func (a *app) cmdRollup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rollup", flag.ExitOnError)
	meet := fs.String("meet", "", "meet ID")
	fs.Parse(args)

	rollups, err := a.heats.Rollup(ctx, *meet)
	if err != nil {
		return err
	}
	for _, ru := range rollups {
		fmt.Printf("%s %d組  %d/%d checked in, %d DNS  (%d%%)\n",
			ru.RaceName, ru.HeatNumber, ru.CheckedIn, ru.Total, ru.DNS, ru.Progress)
	}
	return nil
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	meet := fs.String("meet", "", "meet ID")
	query := fs.String("q", "", "name or team substring")
	fs.Parse(args)

	results, err := a.heats.Search(ctx, *meet, *query)
	if err != nil {
		return err
	}
	for _, r := range results {
		bib := "-"
		if r.BibNumber != nil {
			bib = fmt.Sprint(*r.BibNumber)
		}
		fmt.Printf("%s %d組 %dレーン  #%s  %s (%s)  %s\n",
			r.RaceName, r.HeatNumber, r.LaneNumber, bib, r.AthleteName, r.Team, r.Status.Display())
	}
	return nil
}
