package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustgate/pkg/verification"
	trustgatesdk "trustgate/sdk/go"
)

type checkpointOptions struct {
	payload     string
	sessionID   string
	userID      string
	sourceToken string
	clientIP    string
	autoApprove bool
}

func checkpointCmd() *cobra.Command {
	var opts checkpointOptions
	cmd := &cobra.Command{
		Use:   "checkpoint <name>",
		Short: "Run a checkpoint through the verification handler",
		Long:  "Submits the checkpoint to the application server and follows the verification chain. Steps the decision service asks for are confirmed on stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(opts.payload)
			if err != nil {
				return err
			}
			if opts.sessionID == "" {
				opts.sessionID = uuid.NewString()
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			messages := &trustgatesdk.MessageLog{Logger: newLogger()}
			h := &trustgatesdk.Handler{
				Submitter:    newClient(),
				Tokens:       staticToken(opts.sourceToken),
				Steps:        &promptRunner{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr(), yes: opts.autoApprove},
				MaxSteps:     cfg.Client.MaxSteps,
				StepTimeout:  cfg.StepTimeout(),
				PollInterval: cfg.PollInterval(),
				Messages:     messages,
			}
			req := verification.CheckpointRequest{
				CheckpointName:  args[0],
				Payload:         payload,
				SessionID:       opts.sessionID,
				UserID:          opts.userID,
				ClientIPAddress: opts.clientIP,
			}
			res := h.Process(cmd.Context(), req, trustgatesdk.Callbacks{
				OnProgress: func(p trustgatesdk.Progress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "step %d: verification %s %s\n", p.Step, p.Verification.ID, p.Phase)
				},
			})
			return printHandlerResult(res)
		},
	}
	cmd.Flags().StringVar(&opts.payload, "payload", "", "checkpoint payload as a JSON object")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "session id (random when empty)")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&opts.sourceToken, "source-token", "", "device source token")
	cmd.Flags().StringVar(&opts.clientIP, "client-ip", "", "client IP address")
	cmd.Flags().BoolVarP(&opts.autoApprove, "yes", "y", false, "complete every requested step without prompting")
	return cmd
}

func eventCmd() *cobra.Command {
	var payload, sessionID, userID, sourceToken string
	cmd := &cobra.Command{
		Use:   "event <name>",
		Short: "Send a fire-and-forget event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parsePayload(payload)
			if err != nil {
				return err
			}
			h := &trustgatesdk.Handler{
				Submitter: newClient(),
				Tokens:    staticToken(sourceToken),
				Messages:  &trustgatesdk.MessageLog{Logger: newLogger()},
			}
			res := h.SendEvent(cmd.Context(), verification.EventRequest{
				EventName: args[0],
				Payload:   data,
				SessionID: sessionID,
				UserID:    userID,
			})
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if !res.Success {
				return fmt.Errorf("event not accepted: %s", res.ErrorMessage)
			}
			fmt.Println("event accepted")
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&sourceToken, "source-token", "", "device source token")
	return cmd
}

func newClient() *trustgatesdk.Client {
	c := trustgatesdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

func staticToken(token string) trustgatesdk.SourceTokenProvider {
	if token == "" {
		return nil
	}
	return trustgatesdk.SourceTokenFunc(func(context.Context) (string, error) { return token, nil })
}

type handlerOutput struct {
	Phase          string `json:"phase"`
	Steps          int    `json:"steps"`
	VerificationID string `json:"verificationId,omitempty"`
	Message        any    `json:"message,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	Error          string `json:"error,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}

func handlerOutputFor(res trustgatesdk.Result) handlerOutput {
	out := handlerOutput{Phase: res.Phase.String(), Steps: res.Steps, Message: res.Message}
	if res.Verification != nil {
		out.VerificationID = res.Verification.ID
	}
	if res.Err != nil {
		out.ErrorKind = string(res.Err.Kind)
		out.Error = res.Err.Details
		out.Retryable = res.Err.Retryable()
	}
	return out
}

func printHandlerResult(res trustgatesdk.Result) error {
	out := handlerOutputFor(res)
	if viper.GetBool("json") {
		return printJSON(out)
	}
	switch res.Phase {
	case verification.PhaseApproved:
		fmt.Printf("approved after %d step(s) (verification %s)\n", out.Steps, out.VerificationID)
	case verification.PhaseDenied:
		fmt.Printf("denied after %d step(s) (verification %s)\n", out.Steps, out.VerificationID)
		if res.Verification != nil {
			if msg := verification.CustomMessageText(res.Verification); msg != "" {
				fmt.Println(msg)
			}
		}
	default:
		if out.Retryable {
			return fmt.Errorf("%s: %s (retrying the checkpoint may succeed)", out.ErrorKind, out.Error)
		}
		return fmt.Errorf("%s: %s", out.ErrorKind, out.Error)
	}
	return nil
}

// promptRunner asks the operator to confirm each client-side step.
type promptRunner struct {
	in  *bufio.Reader
	out io.Writer
	yes bool
}

func (p *promptRunner) RunStep(ctx context.Context, v *verification.Verification) error {
	fmt.Fprintf(p.out, "verification %s requires a client step", v.ID)
	for _, s := range v.NextSteps {
		fmt.Fprintf(p.out, " [%s]", s.Type)
	}
	fmt.Fprintln(p.out)
	if p.yes {
		return nil
	}
	fmt.Fprint(p.out, "complete step? [y/N] ")
	answer := make(chan string, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			answer <- ""
			return
		}
		answer <- line
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		}
		return trustgatesdk.ErrStepCancelled
	}
}

var _ trustgatesdk.StepRunner = (*promptRunner)(nil)
