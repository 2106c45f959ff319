// Package etcd proporciona el cliente de configuración remota de trlink.
//
// Estructura de claves:
// El cliente sigue el patrón de ruta `/APP/ENV/VAR_KEY` donde:
//   - `APP`: Nombre de la aplicación (por defecto "trlink")
//   - `ENV`: Entorno (variable ENV; development, testing, production)
//   - `VAR_KEY`: Clave de la variable (ej. "ws/heartbeat_interval_s")
//
// Variables de entorno:
//   - ETCD_ENDPOINTS: lista separada por comas (por defecto http://127.0.0.1:2379)
//   - ETCD_TIMEOUT: timeout de operaciones en segundos
//
// Ejemplo básico de uso:
//
//	client, err := etcd.New(etcd.WithEnv("production"))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	vars, err := client.Snapshot(ctx)            // todo el namespace en una consulta
//	ws, _ := client.GetVarWithDefault(ctx, "endpoints/ws_url", "wss://api.traderepublic.com")
//	delay, _ := client.GetVarDuration(ctx, "ws/reconnect_base_ms")
package etcd
