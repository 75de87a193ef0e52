package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Baaaki/bazaar-inbox/internal/config"
	"github.com/Baaaki/bazaar-inbox/internal/database"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/urfave/cli/v2"
)

type contextKey int

const contextKeySeeder contextKey = iota

func getSeeder(ctx *cli.Context) *Seeder {
	return ctx.Context.Value(contextKeySeeder).(*Seeder)
}

func connect(ctx *cli.Context) error {
	cfg := config.Load()
	database.Connect(cfg)
	database.Migrate()

	ctx.Context = context.WithValue(ctx.Context, contextKeySeeder, NewSeeder(database.DB, os.Stdout))
	return nil
}

var fileFlag = &cli.StringFlag{
	Name:    "file",
	Aliases: []string{"f"},
	Usage:   "Path to the seed file",
	Value:   "cmd/seed/seed.yaml",
}

var adminCommand = &cli.Command{
	Name:   "admin",
	Usage:  "Create the admin account if it does not exist",
	Before: connect,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "username", EnvVars: []string{"ADMIN_USERNAME"}, Required: true},
		&cli.StringFlag{Name: "email", EnvVars: []string{"ADMIN_EMAIL"}, Required: true},
		&cli.StringFlag{Name: "password", EnvVars: []string{"ADMIN_PASSWORD"}, Required: true},
	},
	Action: func(ctx *cli.Context) error {
		admin, created, err := getSeeder(ctx).EnsureUser(ctx.Context, SeedUser{
			Username: ctx.String("username"),
			Email:    ctx.String("email"),
			Password: ctx.String("password"),
			Role:     models.RoleAdmin,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin: %w", err)
		}
		if !created {
			fmt.Printf("Admin user already exists: %s (%s)\n", admin.Username, admin.Email)
			return nil
		}
		fmt.Printf("Admin user created: %s (%s)\n", admin.Username, admin.Email)
		return nil
	},
}

var loadCommand = &cli.Command{
	Name:   "load",
	Usage:  "Load demo users and conversations",
	Before: connect,
	Flags:  []cli.Flag{fileFlag},
	Action: func(ctx *cli.Context) error {
		file, err := LoadSeedFile(ctx.String("file"))
		if err != nil {
			return err
		}
		sum, err := getSeeder(ctx).Apply(ctx.Context, file)
		if err != nil {
			return err
		}
		fmt.Printf("Users created: %d, conversations created: %d, messages: %d, skipped: %d\n",
			sum.UsersCreated, sum.ConversationsCreated, sum.MessagesSent, sum.Skipped)
		return nil
	},
}

var resetCommand = &cli.Command{
	Name:   "reset",
	Usage:  "Delete the conversations named in the seed file",
	Before: connect,
	Flags:  []cli.Flag{fileFlag},
	Action: func(ctx *cli.Context) error {
		file, err := LoadSeedFile(ctx.String("file"))
		if err != nil {
			return err
		}
		n, err := getSeeder(ctx).Reset(ctx.Context, file)
		if err != nil {
			return err
		}
		fmt.Printf("Conversations removed: %d\n", n)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:  "seed",
		Usage: "Populate the inbox database",
		Commands: []*cli.Command{
			adminCommand,
			loadCommand,
			resetCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
