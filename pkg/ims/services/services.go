// Package services содержит IMS сервисы: обмен возможностями, сообщения и чаты,
// передачу файлов, присутствие, IP вызовы, rich call и SIP расширения.
package services

import (
	"github.com/arzzra/ims_core/pkg/ims/service"
)

// Имена сервисов (метки метрик и логов)
const (
	NameCapability       = "capability"
	NameInstantMessaging = "instant_messaging"
	NameFileTransfer     = "file_transfer"
	NamePresence         = "presence"
	NameIPCall           = "ip_call"
	NameRichCall         = "rich_call"
	NameSipAPI           = "sip_api"
)

// Config настройки всех сервисов
type Config struct {
	Capability       service.Config
	InstantMessaging service.Config
	FileTransfer     service.Config
	Presence         service.Config
	IPCall           service.Config
	RichCall         service.Config
	SipAPI           service.Config

	// Features feature tags, объявляемые в ответе на OPTIONS
	Features []string
	// OnPresence обработчик событий присутствия
	OnPresence PresenceHandler
}

// Set набор сервисов модуля
type Set struct {
	Capability       *Capability
	InstantMessaging *InstantMessaging
	FileTransfer     *FileTransfer
	Presence         *Presence
	IPCall           *IPCall
	RichCall         *RichCall
	SipAPI           *SipAPI
}

// New создает все сервисы с общими зависимостями
func New(cfg Config, deps service.Deps) *Set {
	named := func(c service.Config, name string) service.Config {
		c.Name = name
		return c
	}
	return &Set{
		Capability:       NewCapability(named(cfg.Capability, NameCapability), deps, cfg.Features),
		InstantMessaging: NewInstantMessaging(named(cfg.InstantMessaging, NameInstantMessaging), deps),
		FileTransfer:     NewFileTransfer(named(cfg.FileTransfer, NameFileTransfer), deps),
		Presence:         NewPresence(named(cfg.Presence, NamePresence), deps, cfg.OnPresence),
		IPCall:           NewIPCall(named(cfg.IPCall, NameIPCall), deps),
		RichCall:         NewRichCall(named(cfg.RichCall, NameRichCall), deps),
		SipAPI:           NewSipAPI(named(cfg.SipAPI, NameSipAPI), deps),
	}
}

// All возвращает сервисы в порядке опроса диспетчером.
// Передача файлов стоит раньше сообщений: INVITE передачи может нести +g.oma.sip-im.
func (s *Set) All() []service.Service {
	return []service.Service{
		s.Capability,
		s.FileTransfer,
		s.InstantMessaging,
		s.RichCall,
		s.IPCall,
		s.Presence,
		s.SipAPI,
	}
}

// AbortAll завершает сессии всех сервисов
func (s *Set) AbortAll(reason service.TerminationReason) {
	for _, svc := range s.All() {
		svc.AbortAll(reason)
	}
}
