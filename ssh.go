package wfi32bridge

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/zabooh/wfi32-bridge-v2/config"
	"github.com/zabooh/wfi32-bridge-v2/sshd"
)

type sshListFlags struct {
	Json   bool
	Pretty bool
}

type sshDumpBufferFlags struct {
	Direction string
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	port := strings.Split(listen, ":")
	if len(port) < 2 {
		return nil, fmt.Errorf("sshd.listen does not have a port")
	} else if port[1] == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	//TODO: no good way to reload this right now
	hostKeyFile := c.GetString("sshd.host_key", "")
	if hostKeyFile == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	hostKeyBytes, err := os.ReadFile(hostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
	}

	err = ssh.SetHostKey(hostKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	ssh.ClearTrustedCAs()
	for _, caAuthorizedKey := range c.GetStringSlice("sshd.trusted_cas", []string{}) {
		err := ssh.AddTrustedCA(caAuthorizedKey)
		if err != nil {
			l.WithError(err).WithField("sshCA", caAuthorizedKey).Warn("Failed to add trusted CA")
			continue
		}
	}

	ssh.ClearAuthorizedKeys()
	rawKeys := c.Get("sshd.authorized_users")
	keys, ok := rawKeys.([]any)
	if ok {
		for _, rk := range keys {
			kDef, ok := rk.(map[string]any)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
				continue
			}

			user, ok := kDef["user"].(string)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
				continue
			}

			k := kDef["keys"]
			switch v := k.(type) {
			case string:
				err := ssh.AddAuthorizedKey(user, v)
				if err != nil {
					l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", v).Warn("Failed to authorize key")
					continue
				}

			case []any:
				for _, subK := range v {
					sk, ok := subK.(string)
					if !ok {
						l.WithField("sshKeyConfig", rk).WithField("sshKey", subK).Warn("Did not understand ssh key")
						continue
					}

					err := ssh.AddAuthorizedKey(user, sk)
					if err != nil {
						l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
						continue
					}
				}

			default:
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
			}
		}
	} else {
		l.Info("no ssh users to authorize")
	}

	runner := func() {
		if err := ssh.Run(listen); err != nil {
			l.WithField("err", err).Warn("Failed to run the SSH server")
		}
	}

	if c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		return runner, nil
	}

	ssh.Stop()
	return nil, nil
}

func attachCommands(l *logrus.Logger, ssh *sshd.SSHServer, b *Bridge, buildVersion string) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "device-stats",
		ShortDescription: "Prints the engine view of each port: link state, latched events, counters",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshListFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshDeviceStats(b, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "descriptor-counts",
		ShortDescription: "Prints pending, scheduled and free descriptor counts for each port",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshListFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshDescriptorCounts(b, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "mac-table",
		ShortDescription: "Prints the learned station addresses and the port each lives behind",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshListFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshMacTable(b, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "dump-buffer",
		ShortDescription: "Hex dumps the last frame seen on a port",
		Help:             "Provide the port name as an argument, rx taps the receive side and tx the wire side.",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshDumpBufferFlags{}
			fl.StringVar(&s.Direction, "dir", "rx", "which tap to dump, rx or tx")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshDumpBuffer(b, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "heap-stats",
		ShortDescription: "Prints the runtime memory statistics",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshHeapStats(fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback:         sshReload,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file",
		Callback:         sshStartCpuProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-heap-profile",
		ShortDescription: "Saves a heap profile to the provided path",
		Callback:         sshGetHeapProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "mutex-profile-fraction",
		ShortDescription: "Gets or sets runtime.SetMutexProfileFraction",
		Callback:         sshMutexProfileFraction,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-mutex-profile",
		ShortDescription: "Saves a mutex profile to the provided path, requires a non zero mutex-profile-fraction",
		Callback:         sshGetMutexProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "version",
		ShortDescription: "Prints the currently running version of wfi32-bridge",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return w.WriteLine(buildVersion)
		},
	})
}

func sshDeviceStats(b *Bridge, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshListFlags)
	if !ok {
		//TODO: error
		return nil
	}

	if fs.Json || fs.Pretty {
		js := json.NewEncoder(w.GetWriter())
		if fs.Pretty {
			js.SetIndent("", "    ")
		}

		d := make([]m, 0, len(b.Ports()))
		for _, p := range b.Ports() {
			link := p.Engine().Link()
			d = append(d, m{
				"port":        p.Name(),
				"mac":         p.MAC().String(),
				"speed100":    link.Speed100,
				"fullDuplex":  link.FullDuplex,
				"loopback":    link.Loopback,
				"events":      p.Engine().Events().String(),
				"rxPackets":   p.Engine().RxPacketCount(),
				"txChainAddr": fmt.Sprintf("%#08x", p.Engine().TxChainAddr()),
				"rxChainAddr": fmt.Sprintf("%#08x", p.Engine().RxChainAddr()),
			})
		}

		return js.Encode(d)
	}

	for _, p := range b.Ports() {
		link := p.Engine().Link()
		err := w.WriteLine(fmt.Sprintf(
			"%s: mac %s, speed100 %v, fullDuplex %v, loopback %v, events [%s], rxPackets %d",
			p.Name(), p.MAC(), link.Speed100, link.FullDuplex, link.Loopback,
			p.Engine().Events(), p.Engine().RxPacketCount(),
		))
		if err != nil {
			return err
		}
	}

	return nil
}

func sshDescriptorCounts(b *Bridge, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshListFlags)
	if !ok {
		//TODO: error
		return nil
	}

	if fs.Json || fs.Pretty {
		js := json.NewEncoder(w.GetWriter())
		if fs.Pretty {
			js.SetIndent("", "    ")
		}

		d := make([]m, 0, len(b.Ports()))
		for _, p := range b.Ports() {
			dev := p.Device()
			d = append(d, m{
				"port":        p.Name(),
				"rxPending":   dev.RxPendingBuffers(),
				"rxScheduled": dev.RxScheduledBuffers(),
				"rxFree":      dev.RxFreeDescriptors(),
				"txPending":   dev.TxPendingBuffers(),
				"txScheduled": dev.TxScheduledBuffers(),
				"txFree":      dev.TxFreeDescriptors(),
			})
		}

		return js.Encode(d)
	}

	for _, p := range b.Ports() {
		dev := p.Device()
		err := w.WriteLine(fmt.Sprintf(
			"%s: rx pending %d, scheduled %d, free %d; tx pending %d, scheduled %d, free %d",
			p.Name(),
			dev.RxPendingBuffers(), dev.RxScheduledBuffers(), dev.RxFreeDescriptors(),
			dev.TxPendingBuffers(), dev.TxScheduledBuffers(), dev.TxFreeDescriptors(),
		))
		if err != nil {
			return err
		}
	}

	return nil
}

func sshMacTable(b *Bridge, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshListFlags)
	if !ok {
		//TODO: error
		return nil
	}

	entries := b.MacTable()
	if fs.Json || fs.Pretty {
		js := json.NewEncoder(w.GetWriter())
		if fs.Pretty {
			js.SetIndent("", "    ")
		}
		return js.Encode(entries)
	}

	for _, e := range entries {
		err := w.WriteLine(fmt.Sprintf("%s: port %s, age %.1fs", e.MAC, e.Port, e.AgeSeconds))
		if err != nil {
			return err
		}
	}

	return nil
}

func sshDumpBuffer(b *Bridge, fs any, a []string, w sshd.StringWriter) error {
	flags, ok := fs.(*sshDumpBufferFlags)
	if !ok {
		//TODO: error
		return nil
	}

	if len(a) == 0 {
		return w.WriteLine("No port name was provided")
	}

	p := b.PortByName(a[0])
	if p == nil {
		return w.WriteLine(fmt.Sprintf("Could not find port: %s", a[0]))
	}

	var frame []byte
	switch flags.Direction {
	case "rx":
		frame = p.LastReceived()
	case "tx":
		frame = p.LastTransmitted()
	default:
		return w.WriteLine(fmt.Sprintf("Unknown direction %s. Possible directions: rx, tx", flags.Direction))
	}

	if frame == nil {
		return w.WriteLine(fmt.Sprintf("No %s frame captured yet on port %s", flags.Direction, a[0]))
	}

	return w.WriteBytes([]byte(hex.Dump(frame)))
}

func sshHeapStats(fs any, a []string, w sshd.StringWriter) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	lines := []string{
		fmt.Sprintf("HeapAlloc: %d", ms.HeapAlloc),
		fmt.Sprintf("HeapSys: %d", ms.HeapSys),
		fmt.Sprintf("HeapObjects: %d", ms.HeapObjects),
		fmt.Sprintf("TotalAlloc: %d", ms.TotalAlloc),
		fmt.Sprintf("NumGC: %d", ms.NumGC),
	}
	for _, line := range lines {
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}

	return nil
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		err := w.WriteLine("No path to write profile provided")
		return err
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.StartCPUProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a))
	return err
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.WriteHeapProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Mem profile created at %s", a))
	return err
}

func sshMutexProfileFraction(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		rate := runtime.SetMutexProfileFraction(-1)
		return w.WriteLine(fmt.Sprintf("Current value: %d", rate))
	}

	newRate, err := strconv.Atoi(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Invalid argument: %s", a[0]))
	}

	oldRate := runtime.SetMutexProfileFraction(newRate)
	return w.WriteLine(fmt.Sprintf("New value: %d. Old value: %d", newRate, oldRate))
}

func sshGetMutexProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
	}
	defer file.Close()

	mutexProfile := pprof.Lookup("mutex")
	if mutexProfile == nil {
		return w.WriteLine("Unable to get pprof.Lookup(\"mutex\")")
	}

	err = mutexProfile.WriteTo(file, 0)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
	}

	return w.WriteLine(fmt.Sprintf("Mutex profile created at %s", a))
}

func sshLogLevel(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return w.WriteLine(fmt.Sprintf("Unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"}))
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
}

func sshReload(fs any, a []string, w sshd.StringWriter) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return w.WriteLine(err.Error())
		//TODO
	}
	err = p.Signal(syscall.SIGHUP)
	if err != nil {
		return w.WriteLine(err.Error())
		//TODO
	}
	return w.WriteLine("HUP sent")
}
