// bhntrain trains a Bayesian hypernetwork on a synthetic two-class problem
// and reports accuracy and the loss trajectory. With -hmc it additionally
// runs the HMC baseline on a 1D regression toy.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/hypernets/datasets"
	"github.com/gomlx/hypernets/flows"
	"github.com/gomlx/hypernets/hmc"
	"github.com/gomlx/hypernets/hypernet"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagVariant   = flag.String("variant", "wn", "Hypernetwork variant: \"wn\" (weight-norm) or \"mnf\".")
	flagFlow      = flag.String("flow", "realnvp", "Flow kind: \"realnvp\" or \"iaf\".")
	flagDepth     = flag.Int("depth", 2, "Number of coupling stages (or IAF sub-layers).")
	flagUnits     = flag.Int("units", 16, "Hidden units of the primary network.")
	flagFlowWidth = flag.Int("flow_width", 200, "Hidden width of the coupling networks.")

	flagN    = flag.Int("n", 100, "Number of synthetic training examples.")
	flagDims = flag.Int("dims", 4, "Input dimensions of the synthetic problem.")

	flagSteps    = flag.Int("steps", 500, "Training steps (full-batch).")
	flagLR       = flag.Float64("lr", 1e-3, "Learning rate.")
	flagKLWarmup = flag.Int("kl_warmup", 0, "Steps of linear warm-up of the KL weight from 0 to 1.")
	flagOpt      = flag.String("optimizer", "adam", "Optimizer: adam, momentum or sgd.")
	flagSeed     = flag.Int64("seed", 42, "Seed for data and model randomness.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save checkpoints to; empty disables.")
	flagKeep       = flag.Int("keep", 3, "Number of checkpoints to keep.")

	flagMonitorEvery = flag.Int("monitor_every", 100, "Steps between ELBO term reports; 0 disables.")

	flagHMC         = flag.Bool("hmc", false, "Also run the HMC baseline on a 1D regression toy.")
	flagHMCRestarts = flag.Int("hmc_restarts", 4, "HMC chains.")
	flagHMCIter     = flag.Int("hmc_iter", 200, "HMC draws per chain after tuning.")
	flagHMCTune     = flag.Int("hmc_tune", 200, "HMC tuning iterations per chain.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() {
		trainHypernet()
		if *flagHMC {
			runHMCDemo()
		}
	})
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

func trainHypernet() {
	var variant hypernet.Variant
	switch *flagVariant {
	case "wn":
		variant = hypernet.VariantWeightNorm
	case "mnf":
		variant = hypernet.VariantMNF
	default:
		klog.Fatalf("unknown -variant %q, want \"wn\" or \"mnf\"", *flagVariant)
	}

	cfg := hypernet.NewConfig(variant, *flagDims, 2)
	cfg.NumUnits = *flagUnits
	cfg.CouplingDepth = *flagDepth
	cfg.FlowHiddenWidth = *flagFlowWidth
	cfg.Optimizer = *flagOpt
	cfg.Seed = *flagSeed
	switch *flagFlow {
	case "realnvp":
		cfg.FlowKind = flows.KindRealNVP
	case "iaf":
		cfg.FlowKind = flows.KindIAF
	default:
		klog.Fatalf("unknown -flow %q, want \"realnvp\" or \"iaf\"", *flagFlow)
	}

	backend := backends.New()
	model := must.M1(hypernet.New(backend, context.New(), cfg))
	if *flagCheckpoint != "" {
		must.M(model.AttachCheckpoint(*flagCheckpoint, *flagKeep))
	}
	fmt.Printf("Hypernetwork over %s generated parameters (%s variant, %s flow)\n",
		humanize.Comma(int64(model.NumParams())), variant, cfg.FlowKind)

	inputs, labels := datasets.TwoClass(*flagSeed, *flagN, *flagDims)
	if variant == hypernet.VariantWeightNorm {
		must.M(model.InitializeFromBatch(inputs))
	}

	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	losses := make([]float64, 0, *flagSteps)
	for step := 0; step < *flagSteps; step++ {
		klWeight := 1.0
		if *flagKLWarmup > 0 && step < *flagKLWarmup {
			klWeight = float64(step+1) / float64(*flagKLWarmup)
		}
		loss := must.M1(model.TrainStep(inputs, labels, *flagN, *flagLR, klWeight))
		losses = append(losses, loss)
		_ = bar.Add(1)

		if *flagMonitorEvery > 0 && (step+1)%*flagMonitorEvery == 0 && variant != hypernet.VariantMNF {
			mon := must.M1(model.Monitor(inputs, labels, *flagN))
			klog.Infof("step %d: loss=%.4f logpyx=%.4f logpw=%.2f logqw=%.2f", step+1, loss, mon.LogPyx, mon.LogPw, mon.LogQw)
		}
	}
	_ = bar.Finish()
	fmt.Println()

	classes := must.M1(model.Predict(inputs))
	correct := 0
	for ii, class := range classes {
		if labels[ii][class] == 1 {
			correct++
		}
	}
	fmt.Printf("Training accuracy: %.1f%% (%d/%d)\n", 100*float64(correct)/float64(*flagN), correct, *flagN)
	fmt.Printf("Loss trajectory: first=%.4f last=%.4f min=%.4f\n",
		losses[0], losses[len(losses)-1], minOf(losses))

	if *flagCheckpoint != "" {
		must.M(model.Save())
		klog.Infof("checkpoint saved to %s", *flagCheckpoint)
	}
}

func runHMCDemo() {
	backend := backends.New()
	xTrain, yTrain := datasets.Regression1D(*flagSeed, 20, 0.1)
	xTest, yTest := datasets.Regression1D(*flagSeed+1, 50, 0.1)

	model := must.M1(hmc.NewMLPModel(backend, xTrain, yTrain, *flagUnits, 1))
	fmt.Printf("HMC baseline: MLP with %s parameters\n", humanize.Comma(int64(model.NumParams())))

	cfg := hmc.DefaultRunConfig(*flagSeed)
	cfg.Restarts = *flagHMCRestarts
	cfg.NumIter = *flagHMCIter
	cfg.NumTune = *flagHMCTune
	initFn := func(noise []float64) []float64 {
		scaled := make([]float64, len(noise))
		for ii, v := range noise {
			scaled[ii] = 0.1 * v
		}
		return scaled
	}
	result := must.M1(hmc.Run(model, xTrain, yTrain, xTest, yTest, initFn, cfg))

	grid := datasets.Grid1D(-3, 3, 50)
	yFlat := make([]float64, len(xTest))
	for ii := range xTest {
		yFlat[ii] = yTest[ii][0]
	}
	pred := must.M1(hmc.Predict(model, result.Chains, xTest, yFlat, nil, *flagSeed))
	fmt.Printf("HMC predictive log-likelihood (last iteration): %.4f\n", pred.LogLik[len(pred.LogLik)-1])

	gridPred := must.M1(hmc.Predict(model, result.Chains, grid, nil, nil, *flagSeed))
	last := gridPred.Mu.RawMatrix().Rows - 1
	fmt.Printf("Posterior mean at x=0: %.4f (std %.4f)\n",
		gridPred.Mu.At(last, 25), gridPred.Std.At(last, 25))
}

func minOf(values []float64) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if v < best {
			best = v
		}
	}
	return best
}
