package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "nandtool",
		Usage: "Lay out and inspect NAND images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "raw NAND image file (data and spare bytes of every page)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "YAML description of the device",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log what the media layer is doing",
			},
		},
		Before: setUpLogging,
		Commands: []*cli.Command{
			{
				Name:  "erase",
				Usage: "Erase every good block of the image",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "keep-hidden", Usage: "leave hidden drives alone"},
				},
				Action: eraseImage,
			},
			{
				Name:  "allocate",
				Usage: "Erase the image and divide it into drives",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "table",
						Usage: "CSV allocation table to use instead of the one in the config",
					},
					&cli.BoolFlag{Name: "keep-hidden", Usage: "keep hidden drives where they are"},
				},
				Action: allocateImage,
			},
			{
				Name:   "discover",
				Usage:  "Print the drives of an allocated image as a CSV table",
				Action: discoverImage,
			},
			{
				Name:  "repair",
				Usage: "Restore the primary boot blocks from their secondary copies",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "booted-from-secondary",
						Usage: "act as if the boot ROM had to use the secondary NCB",
					},
					&cli.BoolFlag{
						Name:  "rewrite",
						Usage: "rewrite the primary copies even if they look fine",
					},
				},
				Action: repairImage,
			},
			{
				Name:   "badblocks",
				Usage:  "List the bad blocks of each region",
				Action: listBadBlocks,
			},
			{
				Name:      "set-boot",
				Usage:     "Point the primary firmware pointer at a system drive",
				ArgsUsage: "TAG",
				Action:    setBootDrive,
			},
			{
				Name:      "export",
				Usage:     "Write a compressed snapshot of the image",
				ArgsUsage: "OUT.xz",
				Action:    exportImage,
			},
			{
				Name:      "import",
				Usage:     "Replace the image with the contents of a snapshot",
				ArgsUsage: "IN.xz",
				Action:    importImage,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}

func setUpLogging(context *cli.Context) error {
	logrus.SetOutput(os.Stderr)
	if context.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
	return nil
}
