/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netlinkwatch feeds live link hotplug/rename/remove events into
// an interface registry. It is deliberately thin: the only thing it
// knows how to do is translate RTM_NEWLINK/RTM_DELLINK notifications
// into registry.HotplugInsert/HotplugRemove calls. All of the actual
// aliasing, NIC-id allocation and capability-discovery logic lives in
// the registry itself, which is exercised independently of any real
// netlink socket.
package netlinkwatch

import (
	"context"
	"fmt"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xilinx-cns/clockd/internal/iface"
)

// LinkEvent is a decoded link change notification.
type LinkEvent struct {
	Ifindex int
	Name    string
	Removed bool
}

// Source abstracts the raw multicast socket so the watcher's dispatch
// logic can be exercised without a real netlink connection.
type Source interface {
	Receive() ([]LinkEvent, error)
	Close() error
}

// RTNLSource is the real Source, backed by the RTNLGRP_LINK multicast
// group.
type RTNLSource struct {
	conn *rtnetlink.Conn
}

// DialRTNL opens an rtnetlink socket subscribed to link notifications.
func DialRTNL() (*RTNLSource, error) {
	conn, err := rtnetlink.Dial(&netlink.Config{
		Groups: unix.RTMGRP_LINK,
	})
	if err != nil {
		return nil, fmt.Errorf("netlinkwatch: dial: %w", err)
	}
	return &RTNLSource{conn: conn}, nil
}

// Receive blocks until one or more link messages arrive and decodes
// them into LinkEvents, dropping any message whose type is not a
// link create/delete notification.
func (s *RTNLSource) Receive() ([]LinkEvent, error) {
	rtMsgs, genMsgs, err := s.conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("netlinkwatch: receive: %w", err)
	}
	events := make([]LinkEvent, 0, len(rtMsgs))
	for i, raw := range genMsgs {
		if i >= len(rtMsgs) {
			break
		}
		lm, ok := rtMsgs[i].(*rtnetlink.LinkMessage)
		if !ok {
			continue
		}
		switch raw.Header.Type {
		case unix.RTM_NEWLINK:
			name := ""
			if lm.Attributes != nil {
				name = lm.Attributes.Name
			}
			events = append(events, LinkEvent{Ifindex: int(lm.Index), Name: name})
		case unix.RTM_DELLINK:
			name := ""
			if lm.Attributes != nil {
				name = lm.Attributes.Name
			}
			events = append(events, LinkEvent{Ifindex: int(lm.Index), Name: name, Removed: true})
		}
	}
	return events, nil
}

// Close releases the underlying socket.
func (s *RTNLSource) Close() error {
	return s.conn.Close()
}

// Watcher drains a Source and feeds it into an interface registry.
type Watcher struct {
	src      Source
	registry *iface.Registry
}

// NewWatcher builds a watcher over src, delivering events to registry.
func NewWatcher(src Source, registry *iface.Registry) *Watcher {
	return &Watcher{src: src, registry: registry}
}

// Run drains events until ctx is cancelled or the source errors. It
// runs on its own goroutine, started by cmd/clockd; a cancelled
// context causes Run to close the source and return ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.src.Close()
		case <-done:
		}
	}()

	for {
		events, err := w.src.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, ev := range events {
			w.dispatch(ev)
		}
	}
}

func (w *Watcher) dispatch(ev LinkEvent) {
	if ev.Removed {
		ifindex := ev.Ifindex
		name := ev.Name
		if err := w.registry.HotplugRemove(&ifindex, &name); err != nil {
			log.WithFields(log.Fields{"ifindex": ev.Ifindex, "name": ev.Name}).WithError(err).
				Warn("netlinkwatch: hotplug remove failed")
		}
		return
	}
	if err := w.registry.HotplugInsert(ev.Ifindex, ev.Name); err != nil {
		log.WithFields(log.Fields{"ifindex": ev.Ifindex, "name": ev.Name}).WithError(err).
			Warn("netlinkwatch: hotplug insert failed")
	}
}
