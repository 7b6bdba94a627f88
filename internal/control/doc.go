// Package control turns operator requests into interrupt flags.
//
// Every control surface (REST, MQTT request topics, a SIGINT during a scan)
// goes through a Controller, which writes the request flags into the same
// status store the engine polls. The engine acts on them at its next safe
// point; nothing here touches hardware.
package control
