package engine

import (
	"github.com/sirupsen/logrus"

	"dealescrow/internal/models"
)

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine")
}

func (e *Engine) dealEntry(d *models.Deal) *logrus.Entry {
	entry := e.logEntry().WithField("deal_id", d.ID)
	if d.ContractAddress != "" {
		entry = entry.WithField("address", d.ContractAddress)
	}
	return entry
}
