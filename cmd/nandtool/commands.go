package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/config"
	"github.com/dargueta/nandmedia/media"
	"github.com/dargueta/nandmedia/nand/nandsim"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// session is an image opened as a media. Close shuts the media down, which
// runs any pending DBBT save, and closes the image.
type session struct {
	device *config.Device
	image  *os.File
	sim    *nandsim.Simulator
	media  *media.Media
}

// openSession opens the image named on the command line, creating a blank one
// if it doesn't exist yet.
func openSession(c *cli.Context) (*session, error) {
	device, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	path := c.String("image")
	_, statErr := os.Stat(path)
	blank := os.IsNotExist(statErr)

	image, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	options, err := device.SimulatorOptions(image, blank)
	if err != nil {
		image.Close()
		return nil, err
	}
	sim, err := nandsim.New(options)
	if err != nil {
		image.Close()
		return nil, err
	}

	m := media.New(sim, device.MediaConfig(logrus.StandardLogger(), sim.BootState()))
	if err = m.Init(context.Background()); err != nil {
		image.Close()
		return nil, err
	}

	return &session{device: device, image: image, sim: sim, media: m}, nil
}

func (s *session) Close() error {
	var result error
	if err := s.media.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.image.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// withSession runs `action` on an open session and closes it afterwards.
func withSession(c *cli.Context, action func(*session) error) (err error) {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()
	return action(s)
}

func eraseImage(c *cli.Context) error {
	return withSession(c, func(s *session) error {
		keepHidden := c.Bool("keep-hidden")
		if keepHidden {
			// Hidden drives are only known once the media has been discovered.
			if err := s.media.Discover(); err != nil {
				return err
			}
		}
		if err := s.media.Erase(nandmedia.EraseMagic, keepHidden); err != nil {
			return err
		}
		fmt.Printf("Erased, %d bad blocks.\n", len(s.media.GlobalBadBlocks()))
		return nil
	})
}

func allocateImage(c *cli.Context) error {
	return withSession(c, func(s *session) error {
		table := s.device.Allocation
		if path := c.String("table"); path != "" {
			loaded, err := config.LoadAllocationTableFile(path)
			if err != nil {
				return err
			}
			table = loaded
		}
		if len(table) == 0 {
			return cli.Exit("no allocation table given", 1)
		}

		keepHidden := c.Bool("keep-hidden")
		if keepHidden {
			if err := s.media.Discover(); err != nil {
				return err
			}
		}
		if err := s.media.Erase(nandmedia.EraseMagic, keepHidden); err != nil {
			return err
		}
		if err := s.media.Allocate(table); err != nil {
			return err
		}
		if err := s.media.Discover(); err != nil {
			return err
		}
		return printMediaTable(s.media)
	})
}

func discoverImage(c *cli.Context) error {
	return withSession(c, func(s *session) error {
		if err := s.media.Discover(); err != nil {
			return err
		}
		return printMediaTable(s.media)
	})
}

func printMediaTable(m *media.Media) error {
	table, err := m.GetMediaTable()
	if err != nil {
		return err
	}
	return config.WriteAllocationTable(os.Stdout, table)
}

func repairImage(c *cli.Context) error {
	return withSession(c, func(s *session) error {
		state := s.sim.BootState()
		state.SetBootedFromSecondary(c.Bool("booted-from-secondary"))
		state.SetRewriteNeeded(c.Bool("rewrite"))

		if err := s.media.RepairBootBlocks(); err != nil {
			return err
		}
		locations := s.media.BootBlockLocations()
		fmt.Printf("NCB:  %v\nLDLB: %v\nDBBT: %v\n", locations.NCB, locations.LDLB, locations.DBBT)
		return nil
	})
}

func listBadBlocks(c *cli.Context) error {
	return withSession(c, func(s *session) error {
		if err := s.media.Discover(); err != nil {
			return err
		}
		regions := s.media.Regions()
		for i := range regions {
			region := &regions[i]
			fmt.Printf(
				"chip %d  blocks %d-%d  %-6s %s  bad: %d",
				region.Chip,
				region.Start,
				region.End()-1,
				region.Kind,
				region.Tag,
				region.BadBlockCount())
			if blocks := region.BadBlocks(); len(blocks) > 0 {
				fmt.Printf(" %v", blocks)
			}
			fmt.Println()
		}
		return nil
	})
}

func setBootDrive(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one drive tag", 1)
	}
	tag, err := strconv.ParseUint(c.Args().First(), 0, 32)
	if err != nil {
		return cli.Exit(fmt.Sprintf("bad drive tag: %s", err), 1)
	}

	return withSession(c, func(s *session) error {
		if err := s.media.Discover(); err != nil {
			return err
		}
		return s.media.SetBootDrive(nandmedia.DriveTag(tag))
	})
}

func exportImage(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected the path of the snapshot to write", 1)
	}
	out, err := os.Create(c.Args().First())
	if err != nil {
		return err
	}
	defer out.Close()

	return withSession(c, func(s *session) error {
		return s.sim.Export(out)
	})
}

func importImage(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected the path of the snapshot to read", 1)
	}
	in, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer in.Close()

	image, err := os.Create(c.String("image"))
	if err != nil {
		return err
	}
	defer image.Close()

	sim, err := nandsim.Import(in, image)
	if err != nil {
		return err
	}
	geometry := sim.Geometry()
	logrus.WithFields(logrus.Fields{
		"chips":  geometry.ChipCount,
		"blocks": geometry.TotalBlocks(),
	}).Info("imported snapshot")
	return nil
}
