package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"redcapaudit/internal/alertclone"
	"redcapaudit/internal/browser"
	"redcapaudit/internal/naming"
	"redcapaudit/internal/redcap"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	loginBrowser bool
	downloadDir  string
	cloneDryRun  bool
	cloneYes     bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the REDCap admin UI and print the session",
	Long: `Logs in with redcap.username and REDCAP_PASSWORD (prompting when unset)
and prints the PHPSESSID and CSRF token. Export them as REDCAP_SESSION_ID and
REDCAP_CSRF_TOKEN for the download and alerts commands.

--browser drives a real Chrome instead of posting the login form.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the project export (ODM XML with metadata)",
	Args:  cobra.NoArgs,
	RunE:  runDownload,
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and clone project alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's alerts",
	Args:  cobra.NoArgs,
	RunE:  listAlerts,
}

var alertsCloneCmd = &cobra.Command{
	Use:   "clone <template> <alert-index> <ob-code>",
	Short: "Overwrite an alert with a template alert rewritten for an observation",
	Long: `Replays a captured alert form (see alert_templates in the config) against
alert <alert-index>, with every _template reference renamed for <ob-code>.

Example:
  redcapaudit alerts clone LATE_OBS_STAFF_SMS 300 ob_2b`,
	Args: cobra.ExactArgs(3),
	RunE: cloneAlert,
}

func init() {
	loginCmd.Flags().BoolVar(&loginBrowser, "browser", false, "Log in through a browser")
	downloadCmd.Flags().StringVarP(&downloadDir, "dir", "d", ".", "Directory to save the export in")
	alertsCloneCmd.Flags().BoolVar(&cloneDryRun, "dry-run", false, "Show the changes without saving")
	alertsCloneCmd.Flags().BoolVarP(&cloneYes, "yes", "y", false, "Do not ask for confirmation")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsCloneCmd)
}

func newClient() (*redcap.Client, error) {
	return redcap.New(cfg.REDCap, cfg.GetREDCapTimeout())
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	user := cfg.REDCap.Username
	if user == "" {
		return fmt.Errorf("redcap.username is not set (config or REDCAP_USERNAME)")
	}
	password, err := loginPassword(cmd)
	if err != nil {
		return err
	}

	var session redcap.Session
	if loginBrowser {
		if cfg.REDCap.BaseURL == "" {
			return fmt.Errorf("redcap.base_url is not set")
		}
		b := browser.New(cfg.Browser)
		defer func() {
			if err := b.Shutdown(); err != nil {
				logger.Warn("Failed to close browser", zap.Error(err))
			}
		}()
		session, err = b.Login(ctx, strings.TrimRight(cfg.REDCap.BaseURL, "/")+"/", user, password)
	} else {
		client, cerr := newClient()
		if cerr != nil {
			return cerr
		}
		session, err = client.Login(ctx, user, password)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "REDCAP_SESSION_ID=%s\n", session.ID)
	fmt.Fprintf(out, "REDCAP_CSRF_TOKEN=%s\n", session.CSRFToken)
	return nil
}

func loginPassword(cmd *cobra.Command) (string, error) {
	if cfg.REDCap.Password != "" {
		return cfg.REDCap.Password, nil
	}
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("REDCAP_PASSWORD is not set")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}
	path, err := client.DownloadProject(ctx, downloadDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func listAlerts(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}
	alerts, err := client.ListAlerts(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNUMBER\tTYPE\tTITLE")
	for _, a := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Number, a.Type, a.Title)
	}
	return tw.Flush()
}

func cloneAlert(cmd *cobra.Command, args []string) error {
	name, index, target := args[0], args[1], naming.ID(args[2])

	tpl, ok := cfg.AlertTemplate(name)
	if !ok {
		return fmt.Errorf("unknown alert template %q (known: %s)", name, strings.Join(cfg.AlertTemplateNames(), ", "))
	}
	family, err := naming.NewFamily(cfg.Family.Prefix, cfg.Family.Suffixes)
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	cloner := alertclone.New(family, cfg.Schedule)
	form, err := cloner.Prepare(alertclone.Request{
		Template:   tpl,
		AlertIndex: index,
		Target:     target,
		CSRFToken:  client.Session().CSRFToken,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	captured, err := alertclone.Parse(tpl.Form)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Template %s -> alert %s for %s\n\n", name, index, target)
	for _, c := range alertclone.Changes(captured, form) {
		fmt.Fprintf(out, "%s:\n  - %s\n  + %s\n", c.Key, strings.Join(c.Before, " | "), strings.Join(c.After, " | "))
	}

	if cloneDryRun {
		return nil
	}
	if !cloneYes {
		ok, err := confirm(cmd.InOrStdin(), out, fmt.Sprintf("Overwrite alert %s?", index))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("aborted")
		}
	}

	ctx, cancel := commandContext(timeout)
	defer cancel()
	if err := alertclone.Submit(ctx, client, form); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved alert %s\n", index)
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "\n%s [y/N] ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
