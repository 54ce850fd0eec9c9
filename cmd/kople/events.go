package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kople/internal/app"
	"kople/internal/domain"
	"kople/internal/engine"
	"kople/internal/server"
)

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Manage events",
	}
	cmd.AddCommand(eventCreateCmd(), eventListCmd(), eventShowCmd(), eventStatusCmd(), eventStatsCmd(), eventQRCmd())
	return cmd
}

func eventCreateCmd() *cobra.Command {
	var opts engine.EventCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvent(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("%s  code=%s  status=%s\n", ev.ID, ev.Code, ev.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "event title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().StringSliceVar(&opts.Langs, "lang", nil, "offered languages (repeatable)")
	cmd.Flags().StringVar(&opts.CommonQuestion, "question", "", "question every pair answers together")
	cmd.Flags().StringVar(&opts.Code, "code", "", "join code (generated when omitted)")
	cmd.Flags().BoolVar(&opts.SkipDefaultRounds, "no-rounds", false, "do not seed the configured rounds")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func eventListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Code", "Title", "Status", "Matched", "Created")
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.Code, ev.Title, ev.Status, ev.MatchingCreated, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
}

func eventStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <event-id> <status>",
		Short: "Set event status (draft, waiting_for_matching, live, ended)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.SetEventStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("%s is %s\n", ev.ID, ev.Status)
				return nil
			})
		},
	}
}

func eventStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <event-id>",
		Short: "Matching progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.EventStats(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable("Participants", "Matched", "Matches", "Progress")
				tw.AppendRow(table.Row{st.TotalParticipants, st.MatchedParticipants, st.TotalMatches, fmt.Sprintf("%d%%", st.MatchingProgress)})
				tw.Render()
				return nil
			})
		},
	}
}

func eventQRCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "qr <event-id>",
		Short: "Print the join URL and optionally write its QR code as PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				url := server.JoinURL(a.Config.Server.PublicURL, nil, ev.Code)
				fmt.Println(url)
				if out == "" {
					return nil
				}
				return qrcode.WriteFile(url, qrcode.Medium, 320, out)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "PNG output path")
	return cmd
}

func participantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Manage participants",
	}
	var opts engine.JoinOptions
	join := &cobra.Command{
		Use:   "join <code>",
		Short: "Join an event on behalf of someone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Code = args[0]
			opts.Consent = true
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, p, err := e.JoinEvent(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Println(p.ID)
				return nil
			})
		},
	}
	join.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	join.Flags().StringVar(&opts.Lang, "lang", "", "language")
	join.Flags().StringVar(&opts.ProfileEmoji, "emoji", "", "profile emoji")
	_ = join.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list <event-id>",
		Short: "List participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListParticipants(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Lang", "Hints", "Matched")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ProfileEmoji + " " + p.DisplayName, p.Lang, strings.Join(p.SubmittedLevels, ","), p.IsMatched})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(join, list)
	return cmd
}

func hintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hint",
		Short: "Participant hints",
	}
	var opts engine.HintOptions
	var payload string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a participant's hint for one level",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := json.Unmarshal([]byte(payload), &opts.Payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.SubmitHint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	set.Flags().StringVar(&opts.EventID, "event", "", "event id")
	set.Flags().StringVar(&opts.ParticipantID, "participant", "", "participant id")
	set.Flags().StringVar(&opts.Level, "level", "", "hint level H1..H6")
	set.Flags().StringVar(&payload, "payload", "{}", "hint content as a JSON object")
	for _, f := range []string{"event", "participant", "level"} {
		_ = set.MarkFlagRequired(f)
	}
	cmd.AddCommand(set)
	return cmd
}

func roundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "round",
		Short: "Manage rounds",
	}
	var opts engine.RoundCreateOptions
	create := &cobra.Command{
		Use:   "create <event-id>",
		Short: "Add a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EventID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rd, err := e.CreateRound(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "round name")
	create.Flags().StringSliceVar(&opts.VisibleLevels, "levels", nil, "hint levels revealed, e.g. H1,H2")
	create.Flags().IntVar(&opts.Order, "order", 0, "position (defaults to last)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list <event-id>",
		Short: "List rounds in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rounds, err := e.ListRounds(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rounds)
				}
				tw := newTable("Order", "ID", "Name", "Levels", "Active")
				for _, rd := range rounds {
					tw.AppendRow(table.Row{rd.Order, rd.ID, rd.Name, strings.Join(rd.VisibleLevels, ","), rd.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}

	activate := &cobra.Command{
		Use:   "activate <event-id> <round-id>",
		Short: "Make a round the active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rd, err := e.ActivateRound(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rd)
				}
				fmt.Printf("%s active, revealing %s\n", rd.Name, strings.Join(rd.VisibleLevels, ","))
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, activate)
	return cmd
}

func matchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Generate and inspect matchings",
	}
	var ids []string
	generate := &cobra.Command{
		Use:   "generate <event-id>",
		Short: "Draw a new matching, replacing the previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.GenerateOptions{EventID: args[0], ActorID: viper.GetString("actor-id")}
				if len(ids) > 0 {
					opts.ParticipantIDs = ids
				}
				res, err := e.GenerateMatching(ctx, opts)
				if err != nil {
					return err
				}
				return printMatching(res)
			})
		},
	}
	generate.Flags().StringSliceVar(&ids, "participant", nil, "restrict to these participant ids")

	show := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show the current matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GetMatching(ctx, args[0])
				if err != nil {
					return err
				}
				return printMatching(res)
			})
		},
	}

	target := &cobra.Command{
		Use:   "target <event-id> <participant-id>",
		Short: "Show who a participant has to find",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetTargetFor(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <event-id> <participant-id> <pending|found|completed>",
		Short: "Update a participant's assignment status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAssignmentStatus(ctx, engine.StatusOptions{
					EventID:       args[0],
					ParticipantID: args[1],
					Status:        args[2],
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.AddCommand(generate, show, target, status)
	return cmd
}

func printMatching(res engine.MatchingResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := newTable("Match", "Type", "Participants")
	for _, m := range res.Matches {
		tw.AppendRow(table.Row{m.ID, m.Type, strings.Join(m.Participants, " -> ")})
	}
	tw.AppendFooter(table.Row{"", "total", fmt.Sprintf("%d matches / %d participants", res.CreatedMatches, res.ParticipantCount)})
	tw.Render()
	pending := 0
	for _, a := range res.Assignments {
		if a.Status == domain.StatusPending {
			pending++
		}
	}
	fmt.Printf("%d of %d assignments pending\n", pending, len(res.Assignments))
	if len(res.Order) > 0 {
		fmt.Printf("draw order: %s\n", strings.Join(res.Order, ", "))
	}
	return nil
}
