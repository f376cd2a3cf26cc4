package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/authsync/internal/app"
	"github.com/florianilch/authsync/internal/authapi"
	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/server"
	"github.com/florianilch/authsync/internal/session"
)

// credentialFlags returns fresh flag values; cli flags keep parse state and
// must not be shared between commands.
func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "username",
			Aliases: []string{"u"},
			Usage:   "account name (prompted when omitted)",
		},
		&cli.BoolFlag{
			Name:  "password-stdin",
			Usage: "read the password from the first line of stdin",
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in with username and password",
		Flags: credentialFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				username, password, err := readCredentials(cmd)
				if err != nil {
					return err
				}
				resp, err := a.Session().Login(ctx, username, password)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(stdout(cmd), "logged in as %s\n", resp.Username)
				return err
			})
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "create an account and sign in with it",
		Flags: append(credentialFlags(),
			&cli.StringFlag{Name: "email", Usage: "optional e-mail address"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				username, password, err := readCredentials(cmd)
				if err != nil {
					return err
				}
				user, err := a.Session().Register(ctx, authapi.RegisterRequest{
					Username: username,
					Password: password,
					Email:    cmd.String("email"),
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(stdout(cmd), "registered and logged in as %s\n", user.Username)
				return err
			})
		},
	}
}

func weChatLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "wechat-login",
		Usage: "sign in with a WeChat authorization code",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "code", Usage: "authorization code", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				resp, err := a.Session().WeChatLogin(ctx, cmd.String("code"))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(stdout(cmd), "logged in as %s\n", resp.Username)
				return err
			})
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "remove the stored token from both storages",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				a.Session().Logout(ctx)
				_, err := fmt.Fprintln(stdout(cmd), "logged out")
				return err
			})
		},
	}
}

// statusOutput extends the server's status view with unverified token claims.
type statusOutput struct {
	server.StatusResponse
	Subject   string     `json:"subject,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the reconciled authentication state",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				state := a.Monitor().Refresh(ctx)
				snap := a.Session().Status(ctx)

				out := statusOutput{StatusResponse: server.NewStatusResponse(state, snap)}
				if snap.Authenticated {
					out.Subject, out.ExpiresAt = tokenClaims(snap.Token)
				}

				if cmd.Bool("json") {
					enc := json.NewEncoder(stdout(cmd))
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				}
				return printStatus(stdout(cmd), out)
			})
		},
	}
}

func printStatus(w io.Writer, s statusOutput) error {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "state:      %s\n", s.State)
	if s.Username != "" {
		fmt.Fprintf(&b, "user:       %s\n", s.Username)
	}
	fmt.Fprintf(&b, "persistent: token=%s flag=%s\n", yesNo(s.Persistent.HasToken), yesNo(s.Persistent.Flag))
	fmt.Fprintf(&b, "volatile:   token=%s flag=%s\n", yesNo(s.Volatile.HasToken), yesNo(s.Volatile.Flag))
	if s.Divergent {
		b.WriteString("warning:    persistent and volatile tokens differ, persistent wins\n")
	}
	if s.SignedOut {
		b.WriteString("note:       signed out, a token that could not be removed is ignored\n")
	}
	if s.Subject != "" {
		fmt.Fprintf(&b, "subject:    %s\n", s.Subject)
	}
	if s.ExpiresAt != nil {
		fmt.Fprintf(&b, "expires:    %s\n", s.ExpiresAt.Format(time.RFC3339))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// tokenClaims reads subject and expiry from a JWT without verifying it. Opaque
// tokens yield nothing.
func tokenClaims(token string) (string, *time.Time) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", nil
	}

	subject, _ := parsed.Claims.GetSubject()
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return subject, nil
	}
	expiresAt := exp.UTC()
	return subject, &expiresAt
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print the stored token for use in scripts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				token, ok := a.Session().Token(ctx)
				if !ok {
					return session.ErrNotAuthenticated
				}
				_, err := fmt.Fprintln(stdout(cmd), token)
				return err
			})
		},
	}
}

func meCommand() *cli.Command {
	return &cli.Command{
		Name:  "me",
		Usage: "show the account the stored token belongs to",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				user, err := a.Session().Profile(ctx)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return json.NewEncoder(stdout(cmd)).Encode(user)
				}
				_, err = fmt.Fprintf(stdout(cmd), "id:       %d\nusername: %s\nemail:    %s\n", user.ID, user.Username, user.Email)
				return err
			})
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "request a new token (not offered by the service)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				_, err := a.Session().RefreshToken(ctx)
				return err
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print every authentication state change until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "monitor--interval",
				Usage: "interval between storage polls",
				Value: app.DefaultConfigMonitorInterval,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
				return watch(ctx, stdout(cmd), a.Monitor())
			})
		},
	}
}

func watch(ctx context.Context, w io.Writer, mon *monitor.Monitor) error {
	states := make(chan monitor.State, 8)
	unsubscribe := mon.Subscribe(func(s monitor.State) {
		select {
		case states <- s:
		default:
		}
	})
	defer unsubscribe()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer func() { _ = mon.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mon.Done():
			return nil
		case s := <-states:
			if _, err := fmt.Fprintf(w, "%s %s\n", time.Now().Format(time.RFC3339), s); err != nil {
				return err
			}
		}
	}
}

// readCredentials takes the username from --username or a prompt and the
// password from stdin (--password-stdin) or a hidden terminal prompt.
func readCredentials(cmd *cli.Command) (string, string, error) {
	in := stdin(cmd)
	reader := bufio.NewReader(in)

	username := cmd.String("username")
	if username == "" {
		fmt.Fprint(stderr(cmd), "username: ")
		line, err := readLine(reader)
		if err != nil {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		username = line
	}

	if cmd.Bool("password-stdin") {
		password, err := readLine(reader)
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		return username, password, nil
	}

	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", "", errors.New("stdin is not a terminal: pass the password with --password-stdin")
	}
	fmt.Fprint(stderr(cmd), "password: ")
	password, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(stderr(cmd))
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	return username, string(password), nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func stdin(cmd *cli.Command) io.Reader {
	if r := cmd.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
