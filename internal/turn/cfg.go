package turn

// ConfigOptions configures the TURN relay devices and the station fall back to when no
// direct path exists between them.
type ConfigOptions struct {
	PublicIP     string `validate:"required,ip"`
	Port         int    `validate:"gte=0,lte=65535"`
	Username     string `validate:"required"`
	Password     string `validate:"required"`
	Realm        string `validate:"required"`
	RelayMinPort uint   `validate:"lte=65535"`
	RelayMaxPort uint   `validate:"lte=65535,gtefield=RelayMinPort"`
}
