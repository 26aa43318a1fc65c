package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xpersona/xpersona/internal/config"
)

const (
	rootCommandUse        = "xpersona"
	rootShortDescription  = "Run a persona account that posts on a schedule and answers mentions"
	runCommandUse         = "run"
	runShortDescription   = "Log in, start the posting scheduler and the mention poller"
	loginCommandUse       = "login"
	loginShortDescription = "Log in and cache the session"
	postCommandUse        = "post"
	postShortDescription  = "Publish one original post now"
	checkCommandUse       = "check-mentions"
	checkShortDescription = "Answer new mentions once"
	serveCommandUse       = "serve"
	serveShortDescription = "Log in and serve the control routes without starting the loops"
	flagConfigName        = "config"
	flagConfigDescription = "optional YAML, JSON or TOML config file"
)

func main() {
	cobra.CheckErr(NewRootCommand(NewApplication()).ExecuteContext(context.Background()))
}

type commandAction func(application Application, ctx context.Context, settings config.Config) error

// NewRootCommand wires every subcommand to application.
func NewRootCommand(application Application) *cobra.Command {
	command := &cobra.Command{
		Use:          rootCommandUse,
		Short:        rootShortDescription,
		SilenceUsage: true,
	}
	command.PersistentFlags().String(flagConfigName, "", flagConfigDescription)
	config.RegisterFlags(command.PersistentFlags())

	command.AddCommand(
		newSubcommand(application, runCommandUse, runShortDescription, Application.Run),
		newSubcommand(application, loginCommandUse, loginShortDescription, Application.Login),
		newSubcommand(application, postCommandUse, postShortDescription, Application.Post),
		newSubcommand(application, checkCommandUse, checkShortDescription, Application.CheckMentions),
		newSubcommand(application, serveCommandUse, serveShortDescription, Application.Serve),
	)
	return command
}

func newSubcommand(application Application, use string, short string, action commandAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			settings, err := resolveSettings(command)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return action(application, ctx, settings)
		},
	}
}

func resolveSettings(command *cobra.Command) (config.Config, error) {
	configFile, err := command.Flags().GetString(flagConfigName)
	if err != nil {
		return config.Config{}, err
	}
	reader := viper.New()
	if err := config.Bind(reader, command.Flags(), configFile); err != nil {
		return config.Config{}, err
	}
	return config.Load(reader), nil
}
