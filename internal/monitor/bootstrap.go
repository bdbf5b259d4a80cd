package monitor

import "github.com/transferfleet/afd/internal/shm"

// InitMSA creates a fresh MSA sized for configs and writes each row's
// static identity fields, one entry per configured AFD.
func InitMSA(path string, configs []AFDConfig) (*shm.MSA, error) {
	m, err := shm.CreateMSA(path, len(configs))
	if err != nil {
		return nil, err
	}
	for i, cfg := range configs {
		m.Init(i, cfg.Alias, cfg.Host1, cfg.Host2, int32(cfg.Port1), int32(cfg.Port2), int32(cfg.PollSeconds))
		if cfg.Disabled {
			_ = m.SetConnectStatus(i, shm.StatusDisabledMSA)
		}
	}
	return m, nil
}
