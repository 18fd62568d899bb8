package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/chooser"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/orchestrator"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/server"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

var (
	demoKind    string
	demoMode    string
	demoCount   int
	demoImages  int
	demoPick    string
	demoTimeout time.Duration
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pickedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	sectionStyle = lipgloss.NewStyle().PaddingLeft(2)
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run one chooser node against a synthetic batch",
	Long: `Start an in-process server, run a chooser node on a batch of generated
images and print what it returns.

When the node pauses, --pick is posted over HTTP as the observer would. Without
--pick the node waits for a human to post a selection to the printed address.`,
	Example: `  image-chooser demo --images 4 --pick 0,2
  image-chooser demo --kind "Preview Chooser Double" --pick 0,-1,3
  image-chooser demo --mode "Take Last n" --count 2`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoKind, "kind", string(chooser.KindChooser), "Node kind")
	demoCmd.Flags().StringVar(&demoMode, "mode", string(types.ModeAlwaysPause), "Node mode")
	demoCmd.Flags().IntVar(&demoCount, "count", 1, "Count used by the Take First/Last n modes")
	demoCmd.Flags().IntVar(&demoImages, "images", 4, "Number of generated images in the batch")
	demoCmd.Flags().StringVar(&demoPick, "pick", "", "Selection posted automatically when the node pauses")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 5*time.Minute, "Give up waiting for a selection after this long")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	if demoImages < 1 {
		return fmt.Errorf("--images must be at least 1")
	}

	demoCfg := *cfg
	if apiPort == 0 {
		// an ephemeral port keeps the demo from clashing with a running server
		demoCfg.APIServer.Port = 0
	}

	result, err := orchestrator.Bootstrap(cmd.Context(), orchestrator.BootstrapConfig{
		Config:  demoCfg,
		Logger:  rootLog,
		Version: orchestrator.Version,
	})
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	orch := result.Orchestrator
	defer orch.Close()

	node, err := orch.Node(chooser.Kind(demoKind))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), demoTimeout)
	defer cancel()

	// the service lives as long as the run; ending it drains and closes
	runCtx, endRun := context.WithCancel(ctx)
	defer endRun()
	sm, err := orchestrator.ShutdownWhenDone(runCtx, orch, rootLog)
	if err != nil {
		return err
	}
	sm.OnDrain(orch.CancelRun)
	sm.Start()
	defer sm.Stop()

	const uniqueID = "1"
	client := server.NewClient("http://" + orch.Addr())

	fmt.Println(titleStyle.Render("image chooser demo"))
	fmt.Println(sectionStyle.Render(labelStyle.Render("server: ") + "http://" + orch.Addr()))
	fmt.Println(sectionStyle.Render(labelStyle.Render("node:   ") + fmt.Sprintf("%s (%s, count %d)", demoKind, demoMode, demoCount)))

	var res *chooser.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := orch.Serve(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer endRun()
		var runErr error
		res, runErr = node.Run(gctx, chooser.Invocation{
			UniqueID: uniqueID,
			Mode:     types.Mode(demoMode),
			Count:    demoCount,
			Batch:    demoBatch(demoImages),
		})
		return runErr
	})
	g.Go(func() error {
		return autoPick(gctx, orch, client, uniqueID)
	})

	runErr := g.Wait()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout)
	defer waitCancel()
	_ = sm.WaitCompletion(waitCtx)

	if runErr != nil {
		fmt.Println(errorStyle.Render("run failed: ") + runErr.Error())
		return runErr
	}
	printResult(res)
	return nil
}

// autoPick posts --pick once the node has paused, or prints how to answer by hand
func autoPick(ctx context.Context, orch *orchestrator.Orchestrator, client *server.Client, id string) error {
	if err := orchestrator.WaitForReady(ctx, orch, 5*time.Second, 20*time.Millisecond); err != nil {
		if orch.IsClosed() {
			// the run finished without pausing
			return nil
		}
		return fmt.Errorf("server not ready: %w", err)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-orch.ShutdownContext().Done():
			return nil
		case <-ticker.C:
		}

		pending, err := client.Pending(ctx)
		if err != nil {
			continue
		}
		for _, p := range pending {
			if p != id {
				continue
			}
			if demoPick == "" {
				fmt.Println(pausedStyle.Render("paused, waiting for a selection:"))
				fmt.Println(sectionStyle.Render(fmt.Sprintf(
					"image-chooser send --server http://%s %s 0", orch.Addr(), id)))
				return nil
			}
			fmt.Println(pausedStyle.Render("paused, posting ") + demoPick)
			return client.SendMessage(ctx, id, demoPick)
		}
	}
}

func demoBatch(n int) *chooser.Batch {
	batch := &chooser.Batch{}
	for i := 0; i < n; i++ {
		batch.Images = append(batch.Images, chooser.Candidate{
			Name: fmt.Sprintf("image-%d", i),
			Data: demoPNG(i),
		})
		batch.Latents = append(batch.Latents, chooser.Candidate{Name: fmt.Sprintf("latent-%d", i)})
	}
	return batch
}

func printResult(res *chooser.Result) {
	if res == nil {
		return
	}
	fmt.Println(titleStyle.Render("result"))
	row := func(label string, items []chooser.Candidate) {
		if len(items) == 0 {
			return
		}
		names := make([]string, len(items))
		for i, c := range items {
			names[i] = c.Name
		}
		fmt.Println(sectionStyle.Render(labelStyle.Render(fmt.Sprintf("%-9s", label+":")) +
			pickedStyle.Render(strings.Join(names, ", "))))
	}
	fmt.Println(sectionStyle.Render(labelStyle.Render("selected: ") + res.Selection.String()))
	fmt.Println(sectionStyle.Render(labelStyle.Render("paused:   ") + fmt.Sprintf("%t", res.Paused)))
	row("images", res.Images)
	row("latents", res.Latents)
	row("masks", res.Masks)
	row("negative", res.Negative)
}

// demoPNG renders a small solid swatch so previews are viewable in a browser
func demoPNG(i int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	c := color.RGBA{R: uint8(60 * i), G: uint8(255 - 40*i), B: uint8(120 + 30*i), A: 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
