/*
包 migration 管理 captcha_records 与 form_profiles 两张表的 Schema 版本。

每种方言（postgres、mysql、sqlite）各有一套内嵌在二进制里的 SQL
文件，由 golang-migrate 通过 iofs 源读取，并在调用方提供的
*sql.DB 上执行。NewMigratorFromConfig 根据 database.Config 打开
专用连接；MigrateUp 供服务启动时一次性迁移到最新版本。

CLI 把 Up/Down/Steps/Goto/Force/Status/Info 等操作格式化输出，
对应 `formrelay migrate <command>`。
*/
package migration
