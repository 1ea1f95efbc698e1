package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/theanurin/emphatic-fs/volume"
)

func main() {
	app := cli.App{
		Usage: "Inspect and mount FAT32 volume images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "device", Usage: "path to the volume image", Required: true},
			&cli.BoolFlag{Name: "readonly", Usage: "mount read-only"},
			&cli.IntFlag{Name: "cache-sectors", Usage: "FAT sector cache capacity", Value: 128},
			&cli.BoolFlag{Name: "dual-fat-write", Usage: "mirror FAT cell writes to every copy", Value: true},
		},
		Commands: []*cli.Command{
			{
				Name:   "mount",
				Usage:  "Mount the volume and report its geometry",
				Action: mountAction,
			},
			{
				Name:   "statfs",
				Usage:  "Report free-space statistics and the volume label",
				Action: statfsAction,
			},
			{
				Name:  "fsck-readonly",
				Usage: "Cross-check the free-space map against a fresh linear FAT scan (does not repair anything)",
				Action: fsckAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func openContext(c *cli.Context) (*volume.Context, *os.File, error) {
	path := c.String("device")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	opts := volume.Options{
		CacheSectors: c.Int("cache-sectors"),
		DualFATWrite: c.Bool("dual-fat-write"),
		ReadOnly:     c.Bool("readonly"),
		Logger:       log.New(os.Stderr, "emphaticfsctl: ", log.LstdFlags),
	}

	ctx, err := volume.Mount(f, opts)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return ctx, f, nil
}

func mountAction(c *cli.Context) error {
	ctx, f, err := openContext(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ctx.Unmount()

	stats := ctx.Statfs()
	fmt.Printf(
		"mounted: cluster size %d bytes, %d total clusters, %d free\n",
		stats.ClusterSize, stats.TotalClusters, stats.FreeClusters,
	)
	return nil
}

func statfsAction(c *cli.Context) error {
	ctx, f, err := openContext(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ctx.Unmount()

	stats := ctx.Statfs()
	label := "(none)"
	if stats.HasLabel {
		label = stats.Label
	}
	fmt.Printf("cluster size:   %d bytes\n", stats.ClusterSize)
	fmt.Printf("total clusters: %d\n", stats.TotalClusters)
	fmt.Printf("used clusters:  %d\n", stats.UsedClusters)
	fmt.Printf("free clusters:  %d\n", stats.FreeClusters)
	fmt.Printf("volume label:   %s\n", label)
	return nil
}

func fsckAction(c *cli.Context) error {
	ctx, f, err := openContext(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ctx.Unmount()

	mismatches, err := ctx.FsckReadOnly()
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Println("free-space map matches a fresh linear FAT scan")
		return nil
	}

	fmt.Printf("%d cluster(s) disagree between the free-space map and a linear scan:\n", len(mismatches))
	for _, cluster := range mismatches {
		fmt.Printf("  cluster %d\n", cluster)
	}
	return cli.Exit("free-space map is inconsistent with the FAT", 1)
}
