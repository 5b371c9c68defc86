package wfi32bridge

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/zabooh/wfi32-bridge-v2/config"
	"github.com/zabooh/wfi32-bridge-v2/sshd"
	"github.com/zabooh/wfi32-bridge-v2/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	bridge, err := NewBridgeFromConfig(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to build the bridge", err)
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.NewContextualError("Error while creating SSH server", nil, err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.NewContextualError("Error while configuring the sshd", nil, err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	infoStart, err := startInfo(l, c, configTest, bridge)
	if err != nil {
		return nil, util.NewContextualError("Failed to start info server", nil, err)
	}

	if configTest {
		return nil, nil
	}

	c.CatchHUP(ctx)

	attachCommands(l, ssh, bridge, buildVersion)

	return &Control{
		bridge:     bridge,
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		sshStart:   sshStart,
		statsStart: statsStart,
		infoStart:  infoStart,
	}, nil
}
