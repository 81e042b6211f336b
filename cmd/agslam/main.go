// The agslam command replays a recorded sensor log through the SLAM
// estimator and optionally writes the resulting map.
package main

import (
	"bufio"
	"encoding/json"
	"image"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"github.com/agrinav/agslam/config"
	"github.com/agrinav/agslam/estimator"
	"github.com/agrinav/agslam/spatialmath"
	"github.com/agrinav/agslam/visual"
)

const (
	exitConfigError    = 1
	exitInputError     = 2
	exitEstimatorError = 3
)

func main() {
	logger := golog.NewLogger("agslam")

	app := &cli.App{
		Name:  "agslam",
		Usage: "multi-layer agricultural SLAM estimator",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "replay a sensor log through the estimator",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "parameter file (JSON)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "input",
						Usage:    "sensor log (JSON lines)",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					return runAction(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		code := exitEstimatorError
		var coder cli.ExitCoder
		if errors.As(err, &coder) {
			code = coder.ExitCode()
		}
		os.Exit(code)
	}
}

// logLine is one frame of the recorded sensor log.
type logLine struct {
	Odometry poseJSON    `json:"odometry"`
	Cloud    [][]float64 `json:"cloud,omitempty"`
	Depth    *depthJSON  `json:"depth,omitempty"`
	Dets     []detJSON   `json:"detections,omitempty"`
	GNSS     *poseJSON   `json:"gnss,omitempty"`
}

type poseJSON struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

func (p poseJSON) pose() spatialmath.Pose {
	return spatialmath.NewPose(p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}

type depthJSON struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float64 `json:"data"`
}

type detJSON struct {
	Label int    `json:"label"`
	Box   [4]int `json:"box"`
}

func runAction(c *cli.Context, logger golog.Logger) error {
	params, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err, exitConfigError)
	}

	est, err := estimator.New(params, logger)
	if err != nil {
		return cli.Exit(err, exitConfigError)
	}

	in, err := os.Open(c.String("input")) //nolint:gosec
	if err != nil {
		return cli.Exit(err, exitInputError)
	}
	defer utils.UncheckedErrorFunc(in.Close)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		frame, err := parseFrame(scanner.Bytes())
		if err != nil {
			return cli.Exit(errors.Wrapf(err, "input line %d", lineNo), exitInputError)
		}

		pose, err := est.ProcessFrame(frame)
		if err != nil {
			return cli.Exit(errors.Wrapf(err, "frame %d", lineNo), exitEstimatorError)
		}
		logger.Debugw("pose", "frame", lineNo, "x", pose.X, "y", pose.Y, "yaw", pose.Yaw)
	}
	if err := scanner.Err(); err != nil {
		return cli.Exit(err, exitInputError)
	}

	if err := est.SaveMap(); err != nil {
		return cli.Exit(err, exitEstimatorError)
	}
	return nil
}

func parseFrame(line []byte) (*estimator.Frame, error) {
	var ll logLine
	if err := json.Unmarshal(line, &ll); err != nil {
		return nil, err
	}

	frame := &estimator.Frame{Odometry: ll.Odometry.pose()}

	for _, pt := range ll.Cloud {
		if len(pt) != 3 {
			return nil, errors.Errorf("cloud point with %d coordinates", len(pt))
		}
		frame.Cloud = append(frame.Cloud, r3.Vector{X: pt[0], Y: pt[1], Z: pt[2]})
	}

	if ll.Depth != nil {
		if len(ll.Depth.Data) != ll.Depth.Width*ll.Depth.Height {
			return nil, errors.New("depth image size mismatch")
		}
		frame.Depth = &visual.DepthImage{
			Width:  ll.Depth.Width,
			Height: ll.Depth.Height,
			Data:   ll.Depth.Data,
		}
	}

	for _, d := range ll.Dets {
		frame.Detections = append(frame.Detections, visual.Detection{
			Label: d.Label,
			Box:   image.Rect(d.Box[0], d.Box[1], d.Box[2], d.Box[3]),
		})
	}

	if ll.GNSS != nil {
		gnss := ll.GNSS.pose()
		frame.GNSS = &gnss
	}
	return frame, nil
}
